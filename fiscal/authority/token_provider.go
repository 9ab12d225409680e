package authority

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// Token is an access token with its expiry. A zero ExpiresAt never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenFetcher obtains a fresh access token.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (Token, error)
}

type TokenFetcherFunc func(ctx context.Context) (Token, error)

func (f TokenFetcherFunc) FetchToken(ctx context.Context) (Token, error) { return f(ctx) }

// TokenProvider caches the access token and fetches a new one when the cached
// one is missing or within refreshSkew of its expiry.
type TokenProvider struct {
	fetcher TokenFetcher

	mu    sync.Mutex
	token Token
	valid bool

	refreshSkew time.Duration
	now         func() time.Time
}

func NewTokenProvider(fetcher TokenFetcher) *TokenProvider {
	return &TokenProvider{
		fetcher:     fetcher,
		refreshSkew: 30 * time.Second,
		now:         time.Now,
	}
}

// Bearer returns a valid access token.
func (p *TokenProvider) Bearer(ctx context.Context) (string, error) {
	if token, ok := p.currentIfValid(); ok {
		return token, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// another goroutine may have refreshed while we waited
	if token, ok := p.currentIfValidLocked(); ok {
		return token, nil
	}

	logger.Debug("TokenProvider: fetching access token")
	t, err := p.fetcher.FetchToken(ctx)
	if err != nil {
		return "", errors.Wrap(err, "fetch authority token")
	}
	if t.Value == "" {
		return "", ErrNoToken
	}
	p.token = t
	p.valid = true
	return t.Value, nil
}

// Invalidate drops the cached token, e.g. after the authority answered 401.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = false
	p.token = Token{}
}

func (p *TokenProvider) currentIfValid() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentIfValidLocked()
}

func (p *TokenProvider) currentIfValidLocked() (string, bool) {
	if !p.valid || p.token.Value == "" {
		return "", false
	}
	if p.token.ExpiresAt.IsZero() {
		return p.token.Value, true
	}
	if p.token.ExpiresAt.Sub(p.now().UTC()) <= p.refreshSkew {
		return "", false
	}
	return p.token.Value, true
}
