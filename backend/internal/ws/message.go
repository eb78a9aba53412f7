package ws

// ClientMessage is an inbound frame on the live channel.
// Update carries the opaque payload, base64 encoded.
type ClientMessage struct {
	Type          string  `json:"type"`
	ClientVersion *int64  `json:"client_version"`
	Update        *string `json:"update"`
}

// AuditMessage is the optional JSON shape of an audit channel frame.
type AuditMessage struct {
	BaseVersion *int64  `json:"base_version"`
	Content     *string `json:"content"`
}

type ReadyMessage struct {
	Type    string `json:"type"` // "ready"
	DocID   string `json:"docId"`
	Version int64  `json:"version"`
}

type ConflictMessage struct {
	Type    string `json:"type"` // "conflict"
	Version int64  `json:"version"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PresenceMember struct {
	OwnerID  string `json:"ownerId"`
	Username string `json:"username,omitempty"`
}

type PresenceMessage struct {
	Type    string           `json:"type"` // "presence"
	DocID   string           `json:"docId"`
	Members []PresenceMember `json:"members"`
}

const (
	TypeUpdate    = "update"
	TypeHeartbeat = "heartbeat"
	TypeReady     = "ready"
	TypeConflict  = "conflict"
	TypeError     = "error"
	TypePresence  = "presence"
)

// error codes sent to clients
const (
	CodeMalformedMessage   = "malformed_message"
	CodeUnknownType        = "unknown_type"
	CodeInvalidUpdate      = "invalid_update"
	CodeStorageUnavailable = "storage_unavailable"
	CodeBusy               = "busy"
	CodeVersionTaken       = "version_taken"
	CodeChannelClosed      = "channel_closed"
)

func errorMessage(code string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code}
}
