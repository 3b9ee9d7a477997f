package processor

import "errors"

// Sentinel errors covering the Processor's share of the error taxonomy (§7).
var (
	// ErrInputInvalid signals a malformed BatchInput, rejected before any
	// state mutation.
	ErrInputInvalid = errors.New("input_invalid")

	// ErrCancelled signals the ambient cancellation token fired; any
	// already-started transaction for the current batch is rolled back.
	ErrCancelled = errors.New("cancelled")
)
