package paramstore

import (
	"context"
	"sync"
)

// TokenSource lazily reads a provider token and caches it for the life of
// the process. A failed read is not cached; the next call tries again.
type TokenSource struct {
	getter Getter
	name   string

	mu    sync.Mutex
	token string
}

func NewTokenSource(getter Getter, name string) *TokenSource {
	return &TokenSource{getter: getter, name: name}
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	tok, err := GetToken(ctx, s.getter, s.name)
	if err != nil {
		return "", err
	}
	s.token = tok
	return tok, nil
}
