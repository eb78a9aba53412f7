package collab

import "time"

const (
	EventUpdateApplied = "UPDATE_APPLIED"
	EventUpdateAudited = "UPDATE_AUDITED"
)

// DocUpdateEvent is published after an update event is durable.
type DocUpdateEvent struct {
	EventType   string    `json:"eventType"`
	DocID       string    `json:"docId"`
	EventID     string    `json:"eventId"`
	Version     int64     `json:"version"`
	Policy      string    `json:"policy"`
	BaseVersion *int64    `json:"baseVersion,omitempty"`
	PayloadSize int       `json:"payloadSize"`
	AppliedAt   time.Time `json:"appliedAt"`
}
