package apisdk

import (
	"context"
	"sync"
)

// Session is the authenticated identity the client acts as. It is created by
// Login, rotated in place by the RefreshCoordinator and cleared on Logout or
// when a refresh fails.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
}

// IsZero reports whether s holds no credentials at all.
func (s Session) IsZero() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.UserID == ""
}

// SessionStore owns the process-wide Session. Every other component reads
// and writes the session only through this interface.
//
// Get returns the zero Session (and no error) when nothing is stored.
type SessionStore interface {
	Get(ctx context.Context) (Session, error)
	Set(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// MemoryStore is an in-process SessionStore. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	session Session
}

// NewMemoryStore returns a store seeded with s.
func NewMemoryStore(s Session) *MemoryStore {
	return &MemoryStore{session: s}
}

func (m *MemoryStore) Get(context.Context) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, nil
}

func (m *MemoryStore) Set(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = Session{}
	return nil
}
