package store

import "errors"

// Sentinel errors covering the Store's share of the error taxonomy (§7).
var (
	// ErrIntegrityConflict signals a unique-constraint or foreign-key
	// violation - duplicate assignment, duplicate batch_metadata, or a
	// dangling reference.
	ErrIntegrityConflict = errors.New("integrity_conflict")

	// ErrStoreUnavailable signals the database is unreachable; the
	// current batch must abort while prior committed work is unaffected.
	ErrStoreUnavailable = errors.New("store_unavailable")

	// ErrNotFound is returned by single-row lookups with no match (not a
	// taxonomy error - callers decide whether a miss is expected).
	ErrNotFound = errors.New("not found")
)
