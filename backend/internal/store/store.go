package store

import (
	"context"
	"time"
)

type Store interface {
	EventStore
	SnapshotStore
	ConflictStore
	SyncStore
	Transaction(ctx context.Context, f func(tx Store) error) error
	Migrate() error
}

type EventStore interface {
	// AppendEvent persists an update event. A second event with the same
	// (doc, version) fails with ErrVersionTaken.
	AppendEvent(ctx context.Context, event *UpdateEvent) error
	// ListEvents returns the events of a document with version > afterVersion, oldest first.
	ListEvents(ctx context.Context, docID string, afterVersion int64) ([]UpdateEvent, error)
	// MaxVersion returns the highest version over events and snapshots, 0 for an unknown document.
	MaxVersion(ctx context.Context, docID string) (int64, error)
}

type SnapshotStore interface {
	// SaveSnapshot stores a compacted state.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	// LatestSnapshot returns the snapshot with the highest version, or ErrNotFound.
	LatestSnapshot(ctx context.Context, docID string) (*Snapshot, error)
}

// AuditedWrite is an event applied over a version mismatch. Conflict and
// Draft are either both set or both nil.
type AuditedWrite struct {
	Event    *UpdateEvent
	Conflict *ConflictRecord
	Draft    *Draft
}

type ConflictStore interface {
	// ApplyAudited writes the draft, the conflict record and the event atomically.
	ApplyAudited(ctx context.Context, w AuditedWrite) error
	// ListUnresolvedConflicts lists conflict records whose draft is not yet recovered.
	ListUnresolvedConflicts(ctx context.Context, docID string) ([]ConflictRecord, error)
	// RecoverDraft marks the oldest unresolved draft as resolved and returns it.
	// Each draft is handed out at most once. Returns ErrNotFound when nothing is left.
	RecoverDraft(ctx context.Context, docID string) (*Draft, error)
}

// Fingerprints are the server-side content versions of a book.
type Fingerprints struct {
	OCR         string
	Metadata    string
	VectorIndex string
}

type SyncStore interface {
	// GetBook returns a book owned by ownerID, or ErrNotFound.
	GetBook(ctx context.Context, ownerID, bookID string) (*Book, error)
	// UpsertProgress overwrites the reading position. Last write wins.
	UpsertProgress(ctx context.Context, ownerID, bookID string, progress float64, lastLocation string, at time.Time) error
	// SaveFingerprints records the versions served at the last heartbeat.
	SaveFingerprints(ctx context.Context, ownerID, bookID string, fp Fingerprints, at time.Time) error
	GetProgress(ctx context.Context, ownerID, bookID string) (*ReadingProgress, error)
	// FindAnnotationByClientID looks up a live annotation of any kind by its client id.
	FindAnnotationByClientID(ctx context.Context, ownerID, bookID, clientID string) (*Annotation, error)
	// FindPositionalConflict returns the oldest live annotation of the same kind
	// at positionKey written by a device other than deviceID.
	FindPositionalConflict(ctx context.Context, ownerID, bookID, kind, positionKey, deviceID string) (*Annotation, error)
	CreateAnnotation(ctx context.Context, a *Annotation) error
	CountAnnotations(ctx context.Context, ownerID, bookID string) (int64, error)
	EnqueueSyncEvent(ctx context.Context, e *SyncEvent) error
	// DrainSyncEvents returns up to limit undelivered events, oldest first, and
	// marks them delivered at now.
	DrainSyncEvents(ctx context.Context, ownerID string, limit int, now time.Time) ([]SyncEvent, error)
	// PurgeDeliveredSyncEvents deletes events delivered before the cutoff.
	PurgeDeliveredSyncEvents(ctx context.Context, before time.Time) (int64, error)
}
