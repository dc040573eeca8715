package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a row is not found.
	ErrNotFound = errors.New("row not found")

	// ErrAlreadyDispatched is returned when a work queue item lost the
	// optimistic status race and was dispatched by someone else.
	ErrAlreadyDispatched = errors.New("work queue item already dispatched")

	// ErrDeadLetterResolved is returned when a lifecycle operation is
	// attempted on a dead letter that is no longer awaiting
	// intervention.
	ErrDeadLetterResolved = errors.New("dead letter already resolved")

	// ErrGroupInUse is returned when deleting a manifest group that
	// manifests still reference.
	ErrGroupInUse = errors.New("manifest group still referenced by manifests")
)
