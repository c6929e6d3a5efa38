// Package session holds server side session state behind a pluggable Store.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get for unknown or evicted identifiers.
var ErrNotFound = errors.New("session not found")

const (
	// IDLength is the number of random bytes in a session identifier.
	IDLength = 32
	// TokenLength is the number of random bytes in an anti-forgery token.
	TokenLength = 32
)

// Session is the state kept for one browser.
type Session struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	LastActivity  time.Time `json:"last_activity"`
	LoginTime     time.Time `json:"login_time"`
	CSRFToken     string    `json:"csrf_token"`
}

// Expired reports whether the idle window has elapsed at now.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) > timeout
}

// Store persists sessions by identifier. Implementations must give
// read-your-writes consistency inside one process and must return copies,
// never shared pointers.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// Regenerate drops oldID (if present) and stores s under s.ID.
	Regenerate(ctx context.Context, oldID string, s *Session) error
}

// Sweeper is implemented by stores that do not expire entries on their own.
type Sweeper interface {
	DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewID returns a fresh opaque session identifier.
func NewID() (string, error) {
	return randomHex(IDLength)
}

// NewToken returns a fresh anti-forgery token.
func NewToken() (string, error) {
	return randomHex(TokenLength)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
