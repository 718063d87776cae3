package ledger

import (
	"context"
	"sync"
)

// TokenSource supplies access tokens for ledger requests. Invalidate
// drops any cached token so the next call fetches a fresh one; the
// client calls it after a 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticTokenSource returns a fixed token. Invalidate is a no-op.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a source for a pre-issued token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) { return s.token, nil }
func (s *StaticTokenSource) Invalidate()                              {}

// CachedTokenSource caches tokens fetched by a fetch function until
// invalidated.
type CachedTokenSource struct {
	fetch func(ctx context.Context) (string, error)

	mu    sync.Mutex
	token string
	valid bool
}

// NewCachedTokenSource wraps a fetch function with caching.
func NewCachedTokenSource(fetch func(ctx context.Context) (string, error)) *CachedTokenSource {
	return &CachedTokenSource{fetch: fetch}
}

func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid {
		return s.token, nil
	}
	token, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.valid = true
	return token, nil
}

func (s *CachedTokenSource) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
