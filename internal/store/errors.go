package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a token whose key hash is
	// already held by a different token. Key material is never reused, even
	// across revoked records.
	ErrDuplicateKey = errors.New("duplicate key hash")
)
