package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// Source supplies the current bearer credential.
// It is the seam to the authentication collaborator, which owns login,
// refresh and logout.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

// TokenSource adapts an oauth2.TokenSource to Source.
// The same token source also drives the REST client's bearer header.
type TokenSource struct {
	ts oauth2.TokenSource
}

// NewTokenSource wraps ts with oauth2.ReuseTokenSource so tokens are only
// fetched again once they expire
func NewTokenSource(ts oauth2.TokenSource) *TokenSource {
	return &TokenSource{ts: oauth2.ReuseTokenSource(nil, ts)}
}

// StaticSource returns a Source for a fixed token
func StaticSource(token string) *TokenSource {
	return NewTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// OAuth2 exposes the underlying token source
func (s *TokenSource) OAuth2() oauth2.TokenSource {
	return s.ts
}

func (s *TokenSource) Credential(ctx context.Context) (Credential, error) {
	tok, err := s.ts.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("fetch token: %w", err)
	}
	cred, err := ParseCredential(tok.AccessToken)
	if err != nil {
		return Credential{}, err
	}
	if cred.ExpiresAt.IsZero() && !tok.Expiry.IsZero() {
		cred.ExpiresAt = tok.Expiry
	}
	return cred, nil
}

// Status is the authenticated/unauthenticated signal published by the
// authentication collaborator. Subscribers are told about transitions only.
type Status struct {
	mu            sync.Mutex
	authenticated bool
	nextID        uint64
	subscribers   map[uint64]func(bool)
}

// NewStatus creates a status starting in the given state
func NewStatus(authenticated bool) *Status {
	return &Status{
		authenticated: authenticated,
		subscribers:   make(map[uint64]func(bool)),
	}
}

// Authenticated returns the current state
func (s *Status) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Set changes the state and notifies subscribers when it actually changed
func (s *Status) Set(authenticated bool) {
	s.mu.Lock()
	if s.authenticated == authenticated {
		s.mu.Unlock()
		return
	}
	s.authenticated = authenticated
	subs := make([]func(bool), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(authenticated)
	}
}

// Subscribe registers fn for transitions and returns a function removing it
func (s *Status) Subscribe(fn func(authenticated bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}
