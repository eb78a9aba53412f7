package collab

import "errors"

var (
	// ErrBusy rejects a submit that could not get an in-flight slot in time.
	ErrBusy = errors.New("busy")
	// ErrStorageUnavailable rejects an update whose event could not be persisted.
	// The document version did not move.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrVersionTaken means another writer committed the next version first.
	ErrVersionTaken = errors.New("version taken")
	ErrNotJoined    = errors.New("subscriber has not joined the document")
	ErrClosed       = errors.New("document channel closed")
	ErrEmptyUpdate  = errors.New("empty update payload")
)
