package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned when an update's status is not a legal
	// successor of the stored status. Re-applying the current status also
	// yields this error, which callers treat as "already applied".
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrWriteOnce is returned when an update tries to change a write-once field.
	ErrWriteOnce = errors.New("write-once field already set")
)
