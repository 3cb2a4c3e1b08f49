package store

import "errors"

var (
	// ErrNotFound is returned for point lookups with no matching row
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for uniqueness violations (duplicate alias,
	// duplicate request_id with differing fields)
	ErrConflict = errors.New("conflict")

	// ErrRevoked is returned when a device's bearer secret has been revoked
	ErrRevoked = errors.New("device token revoked")

	// ErrLockHeld is returned when an advisory lock is held by another owner
	ErrLockHeld = errors.New("advisory lock held")

	// ErrAlreadyCompleted is returned when an ACK targets a dispatch whose
	// completed_at is already set; callers treat it as an idempotent success
	ErrAlreadyCompleted = errors.New("dispatch already completed")

	// ErrTokenExhausted is returned when an enrollment token has no uses left
	// or has expired or been revoked
	ErrTokenExhausted = errors.New("enrollment token not usable")
)
