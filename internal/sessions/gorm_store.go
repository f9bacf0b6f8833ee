package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Record is the persisted session row.
type Record struct {
	SessionID string    `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sessions"
}

// GormStoreConfig describes the dependencies of the SQLite-backed directory.
type GormStoreConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    func() time.Time
	NewID    IDFunc
}

// GormStore implements Directory on the application database.
type GormStore struct {
	db    *gorm.DB
	ttl   time.Duration
	clock func() time.Time
	newID IDFunc
}

// NewGormStore constructs the directory.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("sessions: database connection required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("sessions: ttl must be positive")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = NewUUIDv7
	}
	return &GormStore{db: cfg.Database, ttl: cfg.TTL, clock: clock, newID: newID}, nil
}

// Create opens a new session for the user.
func (s *GormStore) Create(ctx context.Context, userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, ErrMissingUserID
	}
	sessionID, err := s.newID()
	if err != nil {
		return Session{}, fmt.Errorf("sessions: generate id: %w", err)
	}
	now := s.clock().UTC()
	record := Record{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Session{}, fmt.Errorf("sessions: insert: %w", err)
	}
	return record.session(), nil
}

// Lookup resolves a live session. Expired rows are deleted on sight.
func (s *GormStore) Lookup(ctx context.Context, sessionID string) (Session, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return Session{}, err
	}
	var record Record
	err = s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionInvalid
	}
	if err != nil {
		return Session{}, fmt.Errorf("sessions: lookup: %w", err)
	}
	session := record.session()
	if session.Expired(s.clock()) {
		_ = s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Record{}).Error
		return Session{}, ErrSessionInvalid
	}
	return session, nil
}

// Revoke ends a session. Revoking an unknown session is not an error.
func (s *GormStore) Revoke(ctx context.Context, sessionID string) error {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("sessions: revoke: %w", err)
	}
	return nil
}

func (r Record) session() Session {
	return Session{
		SessionID: r.SessionID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}
