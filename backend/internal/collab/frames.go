package collab

import "encoding/json"

// ApplyFrame announces an accepted update on the live channel.
// Update is base64 on the wire.
type ApplyFrame struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
	Update  []byte `json:"update"`
}

// AuditFrame is the raw frame of the audit channel.
type AuditFrame struct {
	Version int64  `json:"version"`
	Content string `json:"content"`
}

func encodeFrame(v any) []byte {
	// frames only hold strings, ints and bytes, Marshal cannot fail
	b, _ := json.Marshal(v)
	return b
}
