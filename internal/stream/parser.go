// Package stream parses the Claude Code CLI's stream-json output into
// control-plane events. One stdout line becomes at most one event;
// partial tool input is buffered across lines until the content block
// closes.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/pkg/claudecode"
)

// streamTypeMap maps CLI top-level message types to event types.
var streamTypeMap = map[string]string{
	claudecode.MessageTypeSystem:     events.StreamSystem,
	claudecode.MessageTypeAssistant:  events.StreamAssistant,
	claudecode.MessageTypeUser:       events.StreamUser,
	claudecode.MessageTypeToolUse:    events.StreamToolUse,
	claudecode.MessageTypeToolResult: events.StreamToolResult,
	claudecode.MessageTypeResult:     events.StreamResult,
	claudecode.MessageTypeError:      events.StreamError,
}

// Parser converts one run's stream-json lines into events. It is not
// safe for concurrent use; each run gets its own parser.
type Parser struct {
	sessionID string
	runID     string

	// In-flight tool call, accumulated across input_json_delta lines.
	toolID        string
	toolName      string
	toolInputJSON strings.Builder
}

// NewParser creates a parser for one run's output.
func NewParser(sessionID, runID string) *Parser {
	return &Parser{sessionID: sessionID, runID: runID}
}

// ParseLine parses a single stdout line. It returns nil when the line
// carries no event (blank lines, buffered tool input fragments, block
// bookkeeping). Lines that are not JSON are wrapped as raw assistant
// output rather than dropped.
func (p *Parser) ParseLine(line string) *events.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		event := events.New(events.StreamAssistant, p.sessionID, p.runID, map[string]interface{}{"raw": line})
		event.Role = "assistant"
		event.Content = line
		event.ContentType = "text"
		return event
	}

	return p.parseJSONEvent(data)
}

func (p *Parser) parseJSONEvent(data map[string]interface{}) *events.Event {
	eventType := getString(data, "type")

	// stream_event wraps the real event one level down.
	if eventType == claudecode.MessageTypeStreamEvent {
		inner := getMap(data, "event")
		if len(inner) == 0 {
			return nil
		}
		return p.parseInnerEvent(inner, data)
	}

	if mapped, ok := streamTypeMap[eventType]; ok {
		return p.parseGeneric(data, mapped)
	}

	// Older CLI versions emit inner event types bare at the top level.
	return p.parseInnerEvent(data, data)
}

func (p *Parser) parseInnerEvent(event, wrapper map[string]interface{}) *events.Event {
	switch getString(event, "type") {
	case claudecode.EventMessage:
		return p.parseMessage(event)
	case claudecode.EventContentBlockStart:
		return p.parseContentBlockStart(event)
	case claudecode.EventContentBlockDelta:
		return p.parseContentBlockDelta(event)
	case claudecode.EventContentBlockStop:
		return p.finishToolUse()
	case claudecode.EventMessageStart:
		return p.parseMessageStart(event)
	case claudecode.EventMessageDelta:
		return p.parseMessageDelta(event)
	case claudecode.EventMessageStop:
		return events.New(events.StreamResult, p.sessionID, p.runID, map[string]interface{}{"completed": true})
	case claudecode.EventError:
		return p.parseError(event)
	}

	// Unknown type: keep the whole object so nothing is lost.
	return events.New(events.StreamAssistant, p.sessionID, p.runID, wrapper)
}

func (p *Parser) parseMessage(data map[string]interface{}) *events.Event {
	role := getString(data, "role")
	if role == "" {
		role = "assistant"
	}
	eventType := events.StreamAssistant
	if role == "user" {
		eventType = events.StreamUser
	}

	event := events.New(eventType, p.sessionID, p.runID, data)
	event.Role = role
	event.Content = extractContent(data["content"])
	event.ContentType = "text"
	return event
}

func (p *Parser) parseMessageStart(data map[string]interface{}) *events.Event {
	role := getString(getMap(data, "message"), "role")
	if role == "" {
		role = "assistant"
	}

	event := events.New(events.StreamInit, p.sessionID, p.runID, data)
	event.Role = role
	return event
}

// parseMessageDelta surfaces the usage stats that arrive with the final
// message delta. Deltas without usage carry nothing we keep.
func (p *Parser) parseMessageDelta(data map[string]interface{}) *events.Event {
	usage := getMap(data, "usage")
	if len(usage) == 0 {
		return nil
	}
	return events.New(events.StreamResult, p.sessionID, p.runID, map[string]interface{}{
		"stop_reason": getMap(data, "delta")["stop_reason"],
		"usage":       usage,
	})
}

func (p *Parser) parseContentBlockStart(data map[string]interface{}) *events.Event {
	block := getMap(data, "content_block")
	switch getString(block, "type") {
	case claudecode.BlockTypeToolUse:
		// Buffer the call until its input has fully streamed in.
		p.toolID = getString(block, "id")
		p.toolName = getString(block, "name")
		p.toolInputJSON.Reset()
		return nil
	case claudecode.BlockTypeText:
		event := events.New(events.StreamAssistant, p.sessionID, p.runID, data)
		event.Content = getString(block, "text")
		event.ContentType = "text"
		return event
	}
	return nil
}

func (p *Parser) parseContentBlockDelta(data map[string]interface{}) *events.Event {
	delta := getMap(data, "delta")
	switch getString(delta, "type") {
	case claudecode.DeltaTypeText:
		event := events.New(events.StreamAssistant, p.sessionID, p.runID, data)
		event.Content = getString(delta, "text")
		event.ContentType = "text_delta"
		return event
	case claudecode.DeltaTypeInputJSON:
		p.toolInputJSON.WriteString(getString(delta, "partial_json"))
		return nil
	}
	return nil
}

// finishToolUse emits the buffered tool call when its content block
// closes. Input that never became valid JSON is kept raw.
func (p *Parser) finishToolUse() *events.Event {
	if p.toolID == "" || p.toolName == "" {
		return nil
	}

	toolInput := map[string]interface{}{}
	if raw := p.toolInputJSON.String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &toolInput); err != nil {
			toolInput = map[string]interface{}{"raw": raw}
		}
	}

	event := events.New(events.StreamToolUse, p.sessionID, p.runID, map[string]interface{}{
		"content_block": map[string]interface{}{
			"id":    p.toolID,
			"name":  p.toolName,
			"input": toolInput,
		},
	})
	event.ToolName = p.toolName
	event.ToolID = p.toolID
	event.ToolInput = toolInput

	p.toolID = ""
	p.toolName = ""
	p.toolInputJSON.Reset()
	return event
}

func (p *Parser) parseError(data map[string]interface{}) *events.Event {
	errVal := data["error"]
	content := ""
	if errMap, ok := errVal.(map[string]interface{}); ok {
		content = getString(errMap, "message")
	}
	if content == "" && errVal != nil {
		content = fmt.Sprintf("%v", errVal)
	}

	event := events.New(events.StreamError, p.sessionID, p.runID, data)
	event.Content = content
	event.IsError = true
	return event
}

func (p *Parser) parseGeneric(data map[string]interface{}, eventType string) *events.Event {
	event := events.New(eventType, p.sessionID, p.runID, data)

	// The CLI nests the actual message one level down for assistant and
	// user lines; older output puts content at the top level.
	content := data["content"]
	if message := getMap(data, "message"); message != nil {
		if content == nil {
			content = message["content"]
		}
		if role := getString(message, "role"); role != "" {
			event.Role = role
		}
	}
	event.Content = extractContent(content)
	return event
}

// ParseToolResult creates a tool result event for output observed out
// of band (the pattern executor matches tool results to calls itself).
func (p *Parser) ParseToolResult(toolID, output string, isError bool) *events.Event {
	event := events.New(events.StreamToolResult, p.sessionID, p.runID, map[string]interface{}{
		"tool_use_id": toolID,
		"output":      output,
		"is_error":    isError,
	})
	event.ToolID = toolID
	event.ToolOutput = output
	event.IsError = isError
	return event
}

// extractContent flattens a message content value to plain text. Text
// blocks contribute their text, tool results their stringified content,
// and bare strings pass through; blocks are joined with newlines.
func extractContent(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var texts []string
		for _, item := range v {
			switch block := item.(type) {
			case map[string]interface{}:
				switch getString(block, "type") {
				case claudecode.BlockTypeText:
					texts = append(texts, getString(block, "text"))
				case claudecode.BlockTypeToolResult:
					texts = append(texts, stringify(block["content"]))
				}
			case string:
				texts = append(texts, block)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]interface{})
	return sub
}
