package provider

import (
	"context"
	"sync"
	"time"
)

// TokenStore persists the provider token lease. An empty token means no
// lease; expiry decisions belong to the client, not the store.
type TokenStore interface {
	Token(ctx context.Context) (token string, expiresAt time.Time, err error)
	SetToken(ctx context.Context, token string, expiresAt time.Time) error
	ClearToken(ctx context.Context) error
}

// MemoryState keeps the token lease and backoff window in-process. It serves
// single-process runs and tests; deployments with multiple processes on one
// provider account share this state through Redis instead.
type MemoryState struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	backoff   time.Time
}

func NewMemoryState() *MemoryState { return &MemoryState{} }

func (s *MemoryState) Token(ctx context.Context) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.expiresAt, nil
}

func (s *MemoryState) SetToken(ctx context.Context, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = expiresAt
	return nil
}

func (s *MemoryState) ClearToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
	return nil
}

func (s *MemoryState) BackoffUntil(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff, nil
}

func (s *MemoryState) SetBackoffUntil(ctx context.Context, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.backoff) {
		s.backoff = until
	}
	return nil
}
