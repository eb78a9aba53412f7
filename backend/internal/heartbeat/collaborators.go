package heartbeat

import (
	"context"
	"fmt"
	"net/url"

	"readsync/backend/internal/store"
)

// Principal identifies the caller; it comes from the auth layer.
type Principal struct {
	OwnerID  string
	Username string
	DeviceID string
}

// Indexer feeds newly stored notes to search.
type Indexer interface {
	IndexNote(ctx context.Context, note store.Annotation) error
}

// QuotaGate decides whether an owner may push more annotations.
type QuotaGate interface {
	AllowPush(ctx context.Context, ownerID string, items int) (bool, error)
}

// ContentLocator builds the URL a client pulls a piece of book content from.
type ContentLocator interface {
	URL(bookID, kind string) string
}

type NopIndexer struct{}

func (NopIndexer) IndexNote(context.Context, store.Annotation) error { return nil }

type AllowAll struct{}

func (AllowAll) AllowPush(context.Context, string, int) (bool, error) { return true, nil }

// PathLocator serves content from the books API under Prefix.
type PathLocator struct {
	Prefix string
}

var pullPaths = map[string]string{
	PullOCR:         "ocr",
	PullMetadata:    "metadata",
	PullVectorIndex: "vector-index",
}

func (l PathLocator) URL(bookID, kind string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "/v1/books"
	}
	return fmt.Sprintf("%s/%s/%s", prefix, url.PathEscape(bookID), pullPaths[kind])
}
