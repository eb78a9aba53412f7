package heartbeat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Location is a reading position. Clients send either a string (CFI, page
// label) or a plain number.
type Location string

func (l *Location) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Location(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("location must be a string or a number: %w", err)
		}
		*l = Location(n.String())
		return nil
	}
}

type ClientVersions struct {
	OCR         *string `json:"ocr,omitempty"`
	Metadata    *string `json:"metadata,omitempty"`
	VectorIndex *string `json:"vector_index,omitempty"`
}

type ReadingProgress struct {
	Progress     float64  `json:"progress"`
	LastLocation Location `json:"last_location"`
}

type PendingNote struct {
	ClientID string   `json:"client_id"`
	Location Location `json:"location"`
	Content  string   `json:"content"`
	Color    string   `json:"color,omitempty"`
}

type PendingHighlight struct {
	ClientID      string   `json:"client_id"`
	StartLocation Location `json:"start_location"`
	EndLocation   Location `json:"end_location"`
	Content       string   `json:"content,omitempty"`
	Color         string   `json:"color,omitempty"`
}

type ClientUpdates struct {
	ReadingProgress   *ReadingProgress   `json:"reading_progress,omitempty"`
	PendingNotes      []PendingNote      `json:"pending_notes,omitempty"`
	PendingHighlights []PendingHighlight `json:"pending_highlights,omitempty"`
	HasMore           bool               `json:"has_more,omitempty"`
}

type Request struct {
	BookID         string         `json:"book_id"`
	DeviceID       string         `json:"device_id"`
	ClientVersions ClientVersions `json:"client_versions"`
	ClientUpdates  ClientUpdates  `json:"client_updates"`
}

type ServerVersions struct {
	OCR         string `json:"ocr,omitempty"`
	Metadata    string `json:"metadata"`
	VectorIndex string `json:"vector_index,omitempty"`
}

const (
	PullOCR         = "ocr"
	PullMetadata    = "metadata"
	PullVectorIndex = "vector_index"

	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

type PullItem struct {
	URL      string `json:"url"`
	Priority string `json:"priority"`
}

const (
	StatusCreated      = "created"
	StatusConflictCopy = "conflict_copy"
	StatusMerged       = "merged"
	StatusRejected     = "rejected"

	ReasonMissingFields = "missing_required_fields"
	ReasonDuplicate     = "duplicate_client_id"
)

type ItemResult struct {
	Status     string `json:"status"`
	ID         string `json:"id,omitempty"`
	ConflictOf string `json:"conflict_of,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type PushResults struct {
	Notes      map[string]ItemResult `json:"notes"`
	Highlights map[string]ItemResult `json:"highlights"`
}

type PendingEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	BookID    string          `json:"book_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Response struct {
	ServerVersions  ServerVersions      `json:"server_versions"`
	PullRequired    map[string]PullItem `json:"pull_required"`
	PushResults     *PushResults        `json:"push_results"`
	NextHeartbeatMs int64               `json:"next_heartbeat_ms"`
	MoreToSync      bool                `json:"more_to_sync"`
	PendingEvents   []PendingEvent      `json:"pending_events"`
}
