// Package sessions maps opaque session identifiers to users.
//
// Two backends implement Directory: a SQLite table through GORM (the default)
// and Redis keys with native TTL. Both report unknown, revoked and expired
// sessions uniformly as ErrSessionInvalid.
package sessions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionInvalid indicates an unknown, revoked or expired session.
	ErrSessionInvalid = errors.New("sessions: session invalid or expired")
	// ErrMissingUserID indicates a create call without a user.
	ErrMissingUserID = errors.New("sessions: user id required")
)

// Session ties an opaque identifier to a user for a bounded lifetime.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session lifetime has passed at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Directory is the session lookup consumed by the lock and item services.
type Directory interface {
	Create(ctx context.Context, userID string) (Session, error)
	Lookup(ctx context.Context, sessionID string) (Session, error)
	Revoke(ctx context.Context, sessionID string) error
}

// IDFunc issues new session identifiers.
type IDFunc func() (string, error)

// NewUUIDv7 issues time-ordered UUIDv7 identifiers.
func NewUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func normalizeSessionID(sessionID string) (string, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return "", ErrSessionInvalid
	}
	return trimmed, nil
}
