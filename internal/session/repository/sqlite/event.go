package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drover/drover/internal/events"
)

// SaveEvent persists an event. The denormalized stream fields are
// folded into the payload column on write and lifted back out on read,
// so the table stays a single flat event log.
func (r *Repository) SaveEvent(ctx context.Context, event *events.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := make(map[string]interface{}, len(event.Payload)+8)
	for k, v := range event.Payload {
		payload[k] = v
	}
	if event.Role != "" {
		payload["role"] = event.Role
	}
	if event.Content != "" {
		payload["content"] = event.Content
	}
	if event.ContentType != "" {
		payload["content_type"] = event.ContentType
	}
	if event.ToolName != "" {
		payload["tool_name"] = event.ToolName
	}
	if event.ToolID != "" {
		payload["tool_id"] = event.ToolID
	}
	if event.ToolInput != nil {
		payload["tool_input"] = event.ToolInput
	}
	if event.ToolOutput != "" {
		payload["tool_output"] = event.ToolOutput
	}
	if event.IsError {
		payload["is_error"] = true
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize event payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO events (id, run_id, session_id, type, sequence, parent_event_id, timestamp, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), event.ID, nullIfEmpty(event.RunID), event.SessionID, event.Type,
		event.Sequence, nullIfEmpty(event.ParentEventID), event.Timestamp, string(payloadBytes))

	return err
}

// GetEvent retrieves an event by ID.
// Returns sql.ErrNoRows if the event is not found.
func (r *Repository) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, run_id, session_id, type, sequence, parent_event_id, timestamp, payload_json
		FROM events
		WHERE id = ?
	`), id)
	return scanEvent(row)
}

// ListEventsByRun retrieves events for a run ordered by sequence.
// fromSeq is inclusive; a negative toSeq means no upper bound,
// otherwise toSeq is inclusive too.
func (r *Repository) ListEventsByRun(ctx context.Context, runID string, fromSeq, toSeq int64) ([]*events.Event, error) {
	query := `
		SELECT id, run_id, session_id, type, sequence, parent_event_id, timestamp, payload_json
		FROM events
		WHERE run_id = ? AND sequence >= ?`
	args := []interface{}{runID, fromSeq}
	if toSeq >= 0 {
		query += ` AND sequence <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY sequence`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var list []*events.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, event)
	}
	return list, rows.Err()
}

// CountEventsByRun returns the number of events recorded for a run.
func (r *Repository) CountEventsByRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM events WHERE run_id = ?
	`), runID).Scan(&count)
	return count, err
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*events.Event, error) {
	event := &events.Event{}
	var runID, parentEventID sql.NullString
	var payloadJSON string

	err := row.Scan(&event.ID, &runID, &event.SessionID, &event.Type,
		&event.Sequence, &parentEventID, &event.Timestamp, &payloadJSON)
	if err != nil {
		return nil, err
	}

	event.RunID = runID.String
	event.ParentEventID = parentEventID.String
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to deserialize event payload: %w", err)
		}
	}
	liftStreamFields(event)
	return event, nil
}

// liftStreamFields populates the denormalized stream fields from the
// payload. The payload keeps the keys so consumers reading raw payloads
// see the same shape that was written.
func liftStreamFields(event *events.Event) {
	if event.Payload == nil {
		return
	}
	if v, ok := event.Payload["role"].(string); ok {
		event.Role = v
	}
	if v, ok := event.Payload["content"].(string); ok {
		event.Content = v
	}
	if v, ok := event.Payload["content_type"].(string); ok {
		event.ContentType = v
	}
	if v, ok := event.Payload["tool_name"].(string); ok {
		event.ToolName = v
	}
	if v, ok := event.Payload["tool_id"].(string); ok {
		event.ToolID = v
	}
	if v, ok := event.Payload["tool_input"].(map[string]interface{}); ok {
		event.ToolInput = v
	}
	if v, ok := event.Payload["tool_output"].(string); ok {
		event.ToolOutput = v
	}
	if v, ok := event.Payload["is_error"].(bool); ok {
		event.IsError = v
	}
}
