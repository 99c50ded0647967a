package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is the single event model used across the control plane. Everything a
// run produces is an Event: lifecycle transitions, parsed stream output, git
// snapshots, interventions, and metrics. Variant-specific data lives in
// Payload; the stream fields below are denormalized because the parser,
// memory extractor, and pattern executor read them on hot paths.
//
// Sequence is assigned by the bus at publish time: per run, 0-based,
// monotonic, gap-free.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	SessionID     string         `json:"session_id"`
	RunID         string         `json:"run_id,omitempty"`
	Sequence      int64          `json:"sequence"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`

	// Denormalized stream fields, populated for stream.* events.
	Role        string         `json:"role,omitempty"`
	Content     string         `json:"content,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolID      string         `json:"tool_id,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	ToolOutput  string         `json:"tool_output,omitempty"`
	IsError     bool           `json:"is_error,omitempty"`
}

// New creates an event with a fresh ID and UTC timestamp. Sequence stays
// zero until the bus assigns it.
func New(eventType, sessionID, runID string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Clone returns a shallow copy with its own payload map, for subscribers
// that retain events beyond the dispatch callback.
func (e *Event) Clone() *Event {
	dup := *e
	if e.Payload != nil {
		dup.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			dup.Payload[k] = v
		}
	}
	return &dup
}

// PayloadString returns the string value at key, or "" when absent or not a
// string.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}
