package sync

import "errors"

// Core sync errors
var (
	// Engine errors

	ErrStateAlreadyTracked = errors.New("state is already tracked")
	ErrStateNotTracked     = errors.New("state is not tracked")
	ErrSyncInFlight        = errors.New("a sync is already in flight")
	ErrConflictNotFound    = errors.New("conflict not found")
	ErrNoMergeFunc         = errors.New("no merge function configured")
	ErrMalformedOperation  = errors.New("malformed operation")

	// Queue errors

	ErrOperationNotFound = errors.New("operation not found")
	ErrQueueClosed       = errors.New("queue is closed")

	// Service errors

	ErrServiceDisposed = errors.New("service is disposed")
	ErrNotConnected    = errors.New("transport is not connected")
)
