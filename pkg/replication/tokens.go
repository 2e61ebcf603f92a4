package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JoinTokenTTL bounds how long a token minted with Issue remains
// valid for the Hello handshake a connecting standby performs.
// Operator-configured tokens installed with Seed do not expire.
const JoinTokenTTL = 24 * time.Hour

// JoinToken is a credential a standby presents when connecting to its
// primary. The topology grants no role beyond standby itself, so
// validation is a yes/no check.
type JoinToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// JoinTokenStore issues and validates join tokens for replication
// connections. Tokens are uuid.NewString() values, matching the rest
// of this codebase's identifier convention.
type JoinTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

// NewJoinTokenStore returns an empty store.
func NewJoinTokenStore() *JoinTokenStore {
	return &JoinTokenStore{tokens: make(map[string]*JoinToken)}
}

// Issue mints and stores a new token valid for JoinTokenTTL.
func (s *JoinTokenStore) Issue() *JoinToken {
	jt := &JoinToken{
		Token:     uuid.NewString(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(JoinTokenTTL),
	}
	s.mu.Lock()
	s.tokens[jt.Token] = jt
	s.mu.Unlock()
	return jt
}

// Seed registers an operator-configured token that never expires —
// the shared cluster secret from the Replication configuration block,
// as opposed to a minted, TTL-bounded Issue token.
func (s *JoinTokenStore) Seed(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.tokens[token] = &JoinToken{Token: token, CreatedAt: time.Now()}
	s.mu.Unlock()
}

// Validate reports whether token is known and unexpired.
func (s *JoinTokenStore) Validate(token string) error {
	s.mu.RLock()
	jt, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("replication: unknown join token")
	}
	if !jt.ExpiresAt.IsZero() && time.Now().After(jt.ExpiresAt) {
		return fmt.Errorf("replication: join token expired")
	}
	return nil
}

// Revoke removes a token, e.g. after a standby is permanently retired.
func (s *JoinTokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}
