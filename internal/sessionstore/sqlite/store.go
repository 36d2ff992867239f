// Package sqlite persists the apisdk.Session in a SQLite database so a CLI
// invocation can reuse the login of a previous one. Tokens are sealed with
// cryptox before they touch the disk.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/techmatch/pkg/apisdk"
	"github.com/aussiebroadwan/techmatch/pkg/cryptox"
	"github.com/aussiebroadwan/techmatch/pkg/idx"
	_ "modernc.org/sqlite"
)

// DefaultName is the row the process session lives in.
const DefaultName = "default"

// sealedTokens is the plaintext sealed into the payload column.
type sealedTokens struct {
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt"`
}

// Store is an apisdk.SessionStore backed by one row of the sessions table.
type Store struct {
	db     *sql.DB
	sealer *cryptox.Sealer
	name   string
	logger *slog.Logger

	// mu serialises writers so a Clear racing a Set can't interleave.
	mu sync.Mutex
}

var _ apisdk.SessionStore = (*Store)(nil)

// Option configures NewStore.
type Option func(*Store)

// WithLogger sets the logger used to report discarded sessions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore opens the database file at path. Call ApplyMigrations before
// first use.
func NewStore(path string, sealer *cryptox.Sealer, opts ...Option) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("sqlite: sealer is required")
	}

	// busy_timeout applies per connection, so it rides on the DSN.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, sealer: sealer, name: DefaultName, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the stored session, or the zero Session when none is stored.
// A row that can't be opened with the current key (the key changed, or the
// payload is corrupt) is deleted and reported as no session, so the user is
// asked to log in again instead of every call failing.
func (s *Store) Get(ctx context.Context) (apisdk.Session, error) {
	var (
		userID  string
		payload []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, payload FROM sessions WHERE name = ?`, s.name,
	).Scan(&userID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return apisdk.Session{}, nil
	}
	if err != nil {
		return apisdk.Session{}, fmt.Errorf("sqlite: failed to load session: %w", err)
	}

	plain, err := s.sealer.Open(payload, s.aad())
	if err != nil {
		return s.discard(ctx, fmt.Errorf("failed to open session: %w", err))
	}

	var tokens sealedTokens
	if err := json.Unmarshal(plain, &tokens); err != nil {
		return s.discard(ctx, fmt.Errorf("corrupt session payload: %w", err))
	}

	return apisdk.Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		UserID:       userID,
	}, nil
}

func (s *Store) discard(ctx context.Context, cause error) (apisdk.Session, error) {
	s.logger.Warn("discarding unreadable stored session", "error", cause)
	if err := s.Clear(ctx); err != nil {
		return apisdk.Session{}, err
	}
	return apisdk.Session{}, nil
}

// Set replaces the stored session. Storing the zero Session clears it.
func (s *Store) Set(ctx context.Context, sess apisdk.Session) error {
	if sess.IsZero() {
		return s.Clear(ctx)
	}

	plain, err := json.Marshal(sealedTokens{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken})
	if err != nil {
		return err
	}
	payload, err := s.sealer.Seal(plain, s.aad())
	if err != nil {
		return fmt.Errorf("sqlite: failed to seal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, revision, user_id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			revision   = excluded.revision,
			user_id    = excluded.user_id,
			payload    = excluded.payload,
			updated_at = excluded.updated_at`,
		s.name, idx.New().String(), sess.UserID, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store session: %w", err)
	}
	return nil
}

// Clear removes the stored session. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, s.name); err != nil {
		return fmt.Errorf("sqlite: failed to clear session: %w", err)
	}
	return nil
}

// Revision returns the id of the last write, for diagnostics.
func (s *Store) Revision(ctx context.Context) (idx.ID, time.Time, error) {
	var (
		rev       string
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, updated_at FROM sessions WHERE name = ?`, s.name,
	).Scan(&rev, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return idx.Zero, time.Time{}, nil
	}
	if err != nil {
		return idx.Zero, time.Time{}, err
	}

	id, err := idx.Parse(rev)
	if err != nil {
		return idx.Zero, time.Time{}, err
	}
	return id, updatedAt, nil
}

// aad binds the sealed payload to its row.
func (s *Store) aad() []byte {
	return []byte("sessions/" + s.name)
}
