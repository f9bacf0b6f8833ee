package items

import (
	"errors"
	"fmt"
)

var (
	// ErrItemNotFound indicates that no item exists for the identifier.
	ErrItemNotFound = errors.New("items: item not found")
	// ErrVersionConflict indicates that the expected version is stale.
	ErrVersionConflict = errors.New("items: version conflict")
	// ErrItemLocked indicates that another session holds the row lock.
	ErrItemLocked = errors.New("items: item locked by another session")
	// ErrInvalidWrite indicates a malformed write request.
	ErrInvalidWrite = errors.New("items: invalid write")
)

// VersionConflictError carries the server's current version.
type VersionConflictError struct {
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%v: expected %d, current %d", ErrVersionConflict, e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// LockedError names the user whose session holds the row lock.
type LockedError struct {
	Holder string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%v: held by %s", ErrItemLocked, e.Holder)
}

func (e *LockedError) Unwrap() error {
	return ErrItemLocked
}

// ServiceError wraps unexpected storage failures with an operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
