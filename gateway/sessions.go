package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mandiant/harbinger-sub002/errors"
)

// sweepInterval is how often expired sessions are purged
const sweepInterval = 10 * time.Minute

type session struct {
	token     string
	expiresAt time.Time
}

// Sessions resolves tokens to active principals. Tokens are issued by the
// surrounding application (login is out of scope here); the gateway only
// validates them before a subscription is established.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	expiry   time.Duration
}

// NewSessions creates a session store with the given expiry
func NewSessions(expiryHours int) *Sessions {
	return &Sessions{
		sessions: make(map[string]*session),
		expiry:   time.Duration(expiryHours) * time.Hour,
	}
}

// Create issues a new session token
func (s *Sessions) Create() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "failed to generate session token")
	}
	token := hex.EncodeToString(bytes)

	s.mu.Lock()
	s.sessions[token] = &session{
		token:     token,
		expiresAt: time.Now().Add(s.expiry),
	}
	s.mu.Unlock()

	return token, nil
}

// Validate reports whether the token resolves to an active session.
// Expired tokens are removed on the spot.
func (s *Sessions) Validate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(sess.expiresAt) {
		delete(s.sessions, token)
		return false
	}
	return true
}

// Invalidate removes a session token
func (s *Sessions) Invalidate(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Sweep periodically purges expired sessions until ctx is cancelled
func (s *Sessions) Sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for token, sess := range s.sessions {
				if now.After(sess.expiresAt) {
					delete(s.sessions, token)
				}
			}
			s.mu.Unlock()
		}
	}
}
