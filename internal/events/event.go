// Package events broadcasts per-request decisions to connected observers.
// Publishing never blocks the request path: each subscriber owns a bounded
// buffer and slow subscribers lose their oldest pending events. New
// subscribers first receive a snapshot (latest aggregate summary plus the
// most recent decisions), then the live feed.
package events

import "encoding/json"

// Frame types on the wire.
const (
	TypeSnapshot = "snapshot"
	TypeSummary  = "summary"
	TypeTraffic  = "traffic"
)

// Decision is one published rate-limit decision.
type Decision struct {
	TimestampMs int64  `json:"timestampMs"`
	Path        string `json:"path"`
	Method      string `json:"method"`
	Host        string `json:"host"`
	Identifier  string `json:"identifier"`
	RuleID      string `json:"ruleId,omitempty"`
	StatusCode  int    `json:"statusCode"`
	Allowed     bool   `json:"allowed"`
	Queued      bool   `json:"queued"`
}

// Frame is the wire envelope for every published message.
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Snapshot is the payload of the first frame sent to a new subscriber.
type Snapshot struct {
	Summary interface{} `json:"summary"`
	Recent  []Decision  `json:"recent"`
}

// encodeFrame marshals a frame once so every subscriber shares the bytes.
func encodeFrame(frameType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Frame{Type: frameType, Payload: payload})
}
