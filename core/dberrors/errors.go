// Package dberrors holds the error taxonomy shared by the page stores and the
// spatial index. Components wrap these sentinels with context using
// fmt.Errorf("%w: ...") so callers can classify failures with errors.Is.
package dberrors

import "errors"

var (
	// ErrNotFound reports an unknown or freed page id, or a delete target
	// that is not in the index. It is a normal negative result.
	ErrNotFound = errors.New("not found")
	// ErrIO reports a failed read, write or flush of the backing storage.
	// It is never retried internally.
	ErrIO = errors.New("i/o failure")
	// ErrCapacityViolation reports a broken size invariant, such as a node
	// that does not fit in a page or a store that has no room left.
	ErrCapacityViolation = errors.New("capacity violation")
	// ErrInvalidRegion reports malformed coordinates (low > high, NaN,
	// mismatched dimensions). It is returned before any mutation happens.
	ErrInvalidRegion = errors.New("invalid region")
	// ErrInvalidConfig reports construction parameters that cannot work.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IsRecoverable reports whether err is a negative result the caller can
// handle locally (a miss) rather than a storage or programming failure.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRegion)
}
