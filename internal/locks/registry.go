// Package locks implements leased row locks for collaborative item editing.
//
// The Registry is the single source of truth for mutual exclusion: at most
// one live Lock exists per item. Every acquire, release and reap is reported
// to a Broadcaster while the registry mutex is held, so the order in which
// subscribers observe lock events equals the order of the mutations.
package locks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"go.uber.org/zap"
)

const (
	DefaultLeaseDuration = 5 * time.Minute
	DefaultReapInterval  = 15 * time.Second
)

var (
	// ErrLockConflict indicates that another session holds the item's lock.
	ErrLockConflict = errors.New("locks: item locked by another session")
	// ErrInvalidLockRequest indicates a missing item, session or holder.
	ErrInvalidLockRequest = errors.New("locks: invalid lock request")
)

// ConflictError names the user whose session holds the lock.
type ConflictError struct {
	ItemID int64
	Holder string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: item %d held by %s", ErrLockConflict, e.ItemID, e.Holder)
}

func (e *ConflictError) Unwrap() error {
	return ErrLockConflict
}

// Lock is a time-bounded edit grant on one item.
type Lock struct {
	ItemID     int64         `json:"item_id"`
	Page       items.PageRef `json:"page"`
	SessionID  string        `json:"-"`
	LockedBy   string        `json:"locked_by"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

func (l Lock) live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Broadcaster receives lock events for the item's page topic. It is invoked
// with the registry mutex held and must not block or call back into the
// registry. LockRenewed carries a lease extension and is not a fan-out event.
type Broadcaster interface {
	LockAcquired(page items.PageRef, itemID int64, lockedBy string, expiresAt time.Time)
	LockRenewed(page items.PageRef, itemID int64, expiresAt time.Time)
	LockReleased(page items.PageRef, itemID int64)
}

type noopBroadcaster struct{}

func (noopBroadcaster) LockAcquired(items.PageRef, int64, string, time.Time) {}
func (noopBroadcaster) LockRenewed(items.PageRef, int64, time.Time)          {}
func (noopBroadcaster) LockReleased(items.PageRef, int64)                    {}

// RegistryConfig describes the registry's lease and collaborators.
type RegistryConfig struct {
	LeaseDuration time.Duration
	Broadcaster   Broadcaster
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Registry is the in-memory table of active row locks.
type Registry struct {
	mu     sync.Mutex
	locks  map[int64]Lock
	lease  time.Duration
	events Broadcaster
	clock  func() time.Time
	logger *zap.Logger

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	events := cfg.Broadcaster
	if events == nil {
		events = noopBroadcaster{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		locks:  make(map[int64]Lock),
		lease:  lease,
		events: events,
		clock:  clock,
		logger: logger,
	}
}

// Acquire grants the item's lock to the session. A live lock held by the
// same session is refreshed; a live lock held by another session yields a
// *ConflictError. An expired lock that the reaper has not yet collected is
// released first.
func (r *Registry) Acquire(itemID int64, page items.PageRef, sessionID, userID string) (Lock, error) {
	if itemID <= 0 || sessionID == "" || userID == "" {
		return Lock{}, ErrInvalidLockRequest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	if existing, ok := r.locks[itemID]; ok {
		if existing.live(now) {
			if existing.SessionID != sessionID {
				return Lock{}, &ConflictError{ItemID: itemID, Holder: existing.LockedBy}
			}
			existing.ExpiresAt = now.Add(r.lease)
			r.locks[itemID] = existing
			r.events.LockRenewed(existing.Page, itemID, existing.ExpiresAt)
			return existing, nil
		}
		r.releaseLocked(existing, "superseded")
	}

	lock := Lock{
		ItemID:     itemID,
		Page:       page,
		SessionID:  sessionID,
		LockedBy:   userID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(r.lease),
	}
	r.locks[itemID] = lock
	r.events.LockAcquired(page, itemID, userID, lock.ExpiresAt)
	r.logger.Debug("lock acquired",
		zap.Int64("item_id", itemID),
		zap.String("session_id", sessionID),
		zap.String("locked_by", userID))
	return lock, nil
}

// Release removes the item's lock if the session holds it. Missing and
// foreign locks are left untouched and only logged; the return value reports
// whether a lock was removed.
func (r *Registry) Release(itemID int64, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.locks[itemID]
	if !ok {
		r.logger.Info("lock release ignored: not held",
			zap.Int64("item_id", itemID),
			zap.String("session_id", sessionID))
		return false
	}
	if existing.SessionID != sessionID {
		r.logger.Warn("lock release ignored: held by another session",
			zap.Int64("item_id", itemID),
			zap.String("session_id", sessionID),
			zap.String("locked_by", existing.LockedBy))
		return false
	}
	r.releaseLocked(existing, "released")
	return true
}

// ReleaseSession removes every lock held by the session.
func (r *Registry) ReleaseSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var held []Lock
	for _, lock := range r.locks {
		if lock.SessionID == sessionID {
			held = append(held, lock)
		}
	}
	sortLocks(held)
	for _, lock := range held {
		r.releaseLocked(lock, "session_ended")
	}
	return len(held)
}

// Reap removes every expired lock and reports how many were removed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	var expired []Lock
	for _, lock := range r.locks {
		if !lock.live(now) {
			expired = append(expired, lock)
		}
	}
	sortLocks(expired)
	for _, lock := range expired {
		r.releaseLocked(lock, "expired")
	}
	return len(expired)
}

// Lookup returns the live lock for the item.
func (r *Registry) Lookup(itemID int64) (Lock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[itemID]
	if !ok || !lock.live(r.clock()) {
		return Lock{}, false
	}
	return lock, true
}

// HolderOf reports the session and user holding the item's live lock.
func (r *Registry) HolderOf(itemID int64) (string, string, bool) {
	lock, ok := r.Lookup(itemID)
	if !ok {
		return "", "", false
	}
	return lock.SessionID, lock.LockedBy, true
}

// Snapshot lists the live locks on a page ordered by item id.
func (r *Registry) Snapshot(page items.PageRef) []Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	result := make([]Lock, 0)
	for _, lock := range r.locks {
		if lock.Page == page && lock.live(now) {
			result = append(result, lock)
		}
	}
	sortLocks(result)
	return result
}

// StartReaper launches the background sweep. Call Stop to shut it down.
func (r *Registry) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	r.mu.Lock()
	if r.reaperStop != nil {
		r.mu.Unlock()
		return
	}
	r.reaperStop = make(chan struct{})
	r.reaperDone = make(chan struct{})
	stop, done := r.reaperStop, r.reaperDone
	r.mu.Unlock()

	go r.reapLoop(interval, stop, done)
	r.logger.Info("lock reaper started",
		zap.Duration("lease_duration", r.lease),
		zap.Duration("reap_interval", interval))
}

// Stop shuts down the reaper goroutine.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop, done := r.reaperStop, r.reaperDone
	r.reaperStop = nil
	r.reaperDone = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Registry) reapLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if reaped := r.Reap(); reaped > 0 {
				r.logger.Info("expired locks reaped", zap.Int("count", reaped))
			}
		}
	}
}

func (r *Registry) releaseLocked(lock Lock, reason string) {
	delete(r.locks, lock.ItemID)
	r.events.LockReleased(lock.Page, lock.ItemID)
	r.logger.Debug("lock released",
		zap.Int64("item_id", lock.ItemID),
		zap.String("session_id", lock.SessionID),
		zap.String("reason", reason))
}

func sortLocks(locks []Lock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].ItemID < locks[j].ItemID
	})
}
