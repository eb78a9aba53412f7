package collab

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"readsync/backend/internal/store"
)

// Compactor folds update events into an opaque state. Implementations must
// make folding in two steps equal to folding at once:
//
//	Compact(Compact(nil, e[:k]), e[k:]) == Compact(nil, e)
type Compactor interface {
	Compact(base []byte, events []store.UpdateEvent) ([]byte, error)
}

// LastWriteCompactor keeps only the newest payload.
type LastWriteCompactor struct{}

func (LastWriteCompactor) Compact(base []byte, events []store.UpdateEvent) ([]byte, error) {
	if len(events) == 0 {
		return base, nil
	}
	last := events[len(events)-1].Payload
	return append([]byte(nil), last...), nil
}

// LogCompactor keeps every payload in order, gzip-compressed JSON.
type LogCompactor struct{}

func (LogCompactor) Compact(base []byte, events []store.UpdateEvent) ([]byte, error) {
	payloads, err := DecodeLog(base)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && base != nil {
		return base, nil
	}
	for _, ev := range events {
		payloads = append(payloads, ev.Payload)
	}
	return encodeLog(payloads)
}

// DecodeLog returns the payloads held by a LogCompactor state.
func DecodeLog(state []byte) ([][]byte, error) {
	if len(state) == 0 {
		return [][]byte{}, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(state))
	if err != nil {
		return nil, fmt.Errorf("decode log state: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decode log state: %w", err)
	}
	var payloads [][]byte
	if err := json.Unmarshal(raw, &payloads); err != nil {
		return nil, fmt.Errorf("decode log state: %w", err)
	}
	if payloads == nil {
		payloads = [][]byte{}
	}
	return payloads, nil
}

func encodeLog(payloads [][]byte) ([]byte, error) {
	raw, err := json.Marshal(payloads)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewCompactor resolves a compactor by name; "" selects last-write.
func NewCompactor(name string) (Compactor, error) {
	switch name {
	case "", "last_write":
		return LastWriteCompactor{}, nil
	case "log":
		return LogCompactor{}, nil
	default:
		return nil, fmt.Errorf("unknown compactor %q", name)
	}
}

// State is a document reconstructed from its latest snapshot and tail events.
type State struct {
	DocID           string `json:"doc_id"`
	Version         int64  `json:"version"`
	SnapshotVersion int64  `json:"snapshot_version"`
	TailEvents      int    `json:"tail_events"`
	Payload         []byte `json:"payload"`
}

// Replay folds the events newer than snap onto the snapshot's state.
// snap may be nil, in which case the fold starts from nothing.
func Replay(c Compactor, snap *store.Snapshot, events []store.UpdateEvent) ([]byte, int64, error) {
	var (
		base    []byte
		version int64
	)
	if snap != nil {
		base, version = snap.Payload, snap.Version
	}

	tail := make([]store.UpdateEvent, 0, len(events))
	for _, ev := range events {
		if ev.Version > version {
			tail = append(tail, ev)
		}
	}
	if len(tail) == 0 {
		return base, version, nil
	}

	state, err := c.Compact(base, tail)
	if err != nil {
		return nil, 0, err
	}
	return state, tail[len(tail)-1].Version, nil
}

// LoadState rebuilds a document from storage.
func LoadState(ctx context.Context, es store.EventStore, ss store.SnapshotStore, c Compactor, docID string) (*State, error) {
	snap, err := ss.LatestSnapshot(ctx, docID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var after int64
	if snap != nil {
		after = snap.Version
	}
	events, err := es.ListEvents(ctx, docID, after)
	if err != nil {
		return nil, err
	}

	payload, version, err := Replay(c, snap, events)
	if err != nil {
		return nil, err
	}
	return &State{
		DocID:           docID,
		Version:         version,
		SnapshotVersion: after,
		TailEvents:      len(events),
		Payload:         payload,
	}, nil
}
