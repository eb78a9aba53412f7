package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"readsync/backend/internal/store"
)

// Fingerprint is a short stable digest of s.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

// ServerFingerprints derives the content versions of a book. Metadata is
// always present; OCR and the vector index only once they exist.
func ServerFingerprints(b *store.Book) store.Fingerprints {
	fp := store.Fingerprints{Metadata: Fingerprint(b.Title + "|" + b.Author)}
	if b.OCRResultKey != "" {
		fp.OCR = Fingerprint(b.OCRResultKey)
	}
	if b.VectorIndexedAt != nil {
		fp.VectorIndex = Fingerprint(b.VectorIndexedAt.UTC().Format(time.RFC3339Nano))
	}
	return fp
}
