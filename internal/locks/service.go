package locks

import (
	"context"
	"errors"
	"strings"

	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"github.com/mushrhyme/easy-rebate-sub001/internal/sessions"
	"go.uber.org/zap"
)

// SessionResolver resolves a session to its user.
type SessionResolver interface {
	Lookup(ctx context.Context, sessionID string) (sessions.Session, error)
}

// ItemLocator resolves the page an item belongs to.
type ItemLocator interface {
	Get(ctx context.Context, itemID int64) (items.Item, error)
}

// ServiceConfig wires the lock service.
type ServiceConfig struct {
	Registry *Registry
	Sessions SessionResolver
	Items    ItemLocator
	Logger   *zap.Logger
}

// Service applies ownership checks on top of the Registry.
type Service struct {
	registry *Registry
	sessions SessionResolver
	items    ItemLocator
	logger   *zap.Logger
}

// NewService validates dependencies and constructs the lock service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errors.New("locks: registry required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("locks: session directory required")
	}
	if cfg.Items == nil {
		return nil, errors.New("locks: item locator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		items:    cfg.Items,
		logger:   logger,
	}, nil
}

// Acquire locks the item for the session's user.
func (s *Service) Acquire(ctx context.Context, itemID int64, sessionID string) (Lock, error) {
	if _, err := items.NewItemID(itemID); err != nil {
		return Lock{}, err
	}
	session, err := s.sessions.Lookup(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return Lock{}, err
	}
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return Lock{}, err
	}
	lock, err := s.registry.Acquire(itemID, item.Page(), session.SessionID, session.UserID)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.logger.Info("lock conflict",
				zap.Int64("item_id", itemID),
				zap.String("session_id", session.SessionID),
				zap.String("locked_by", conflict.Holder))
		}
		return Lock{}, err
	}
	return lock, nil
}

// Release drops the session's lock on the item. It never fails for a
// missing or foreign lock.
func (s *Service) Release(_ context.Context, itemID int64, sessionID string) error {
	if _, err := items.NewItemID(itemID); err != nil {
		return err
	}
	s.registry.Release(itemID, strings.TrimSpace(sessionID))
	return nil
}

// ReleaseSession drops every lock held by the session.
func (s *Service) ReleaseSession(_ context.Context, sessionID string) int {
	released := s.registry.ReleaseSession(strings.TrimSpace(sessionID))
	if released > 0 {
		s.logger.Info("session locks released",
			zap.String("session_id", sessionID),
			zap.Int("count", released))
	}
	return released
}

// PageLocks lists the live locks on a page.
func (s *Service) PageLocks(page items.PageRef) []Lock {
	return s.registry.Snapshot(page)
}
