package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionInvalid means the server no longer recognises the session.
	// The coordinator forgets the session and the user must authenticate again.
	ErrSessionInvalid = errors.New("coordinator: session invalid, re-authentication required")
	// ErrLockConflict is the sentinel behind LockConflictError.
	ErrLockConflict = errors.New("coordinator: item locked by another user")
	// ErrVersionConflict is the sentinel behind VersionConflictError.
	ErrVersionConflict = errors.New("coordinator: version conflict")
	// ErrConcurrentEdit is returned once the bounded CAS retries are exhausted.
	ErrConcurrentEdit = errors.New("coordinator: another session is editing concurrently")
	ErrItemNotFound   = errors.New("coordinator: item not found")
	ErrConnection     = errors.New("coordinator: connection error")
	ErrNotEditing     = errors.New("coordinator: item is not in edit mode")
)

// LockConflictError names the user currently editing the row.
type LockConflictError struct {
	ItemID int64
	Holder string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("item %d is being edited by %s", e.ItemID, e.Holder)
}

func (e *LockConflictError) Unwrap() error {
	return ErrLockConflict
}

// VersionConflictError carries the server's current version.
type VersionConflictError struct {
	ItemID  int64
	Current int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%v: item %d is at version %d", ErrVersionConflict, e.ItemID, e.Current)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}
