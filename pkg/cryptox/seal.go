package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSealedTooShort reports ciphertext shorter than the nonce.
var ErrSealedTooShort = errors.New("cryptox: sealed data too short")

// sealInfo binds derived keys to this use so the same key material can be
// shared with other purposes without key reuse.
const sealInfo = "techmatch/session-seal/v1"

// Sealer encrypts small secrets (session tokens) for storage at rest using
// XChaCha20-Poly1305. Output format: [24-byte nonce][ciphertext][16-byte tag].
type Sealer struct {
	key []byte
}

// NewSealer derives a 32-byte key from keyMaterial with HKDF-SHA256.
func NewSealer(keyMaterial []byte) (*Sealer, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("cryptox: empty key material")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// keyFileSize is the amount of random key material written to a new key file.
const keyFileSize = 32

// LoadSealer reads key material from path, creating the file with fresh random
// material (mode 0600) when it does not exist yet. When path is empty it falls
// back to the SESSION_KEY environment variable, and finally to an ephemeral
// random key; sealed data then won't survive a restart.
func LoadSealer(path string) (*Sealer, error) {
	var keyMaterial []byte

	switch {
	case path != "":
		data, err := loadOrCreateKeyFile(path)
		if err != nil {
			return nil, err
		}
		keyMaterial = data
	case os.Getenv("SESSION_KEY") != "":
		keyMaterial = []byte(os.Getenv("SESSION_KEY"))
	default:
		keyMaterial = make([]byte, keyFileSize)
		if _, err := rand.Read(keyMaterial); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral session key: %w", err)
		}
	}

	return NewSealer(keyMaterial)
}

func loadOrCreateKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read session key file: %w", err)
	}

	key := make([]byte, keyFileSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	// O_EXCL: when another process created the file first, use its key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session key file: %w", err)
	}

	if _, err := f.Write(key); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write session key file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write session key file: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. aad is authenticated but not encrypted; callers
// pass the record identifier so sealed values can't be swapped between rows.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealedTooShort
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
