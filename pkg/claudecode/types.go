// Package claudecode captures the Claude Code CLI's command line and
// stream-json wire format. The CLI is driven in print mode over pipes;
// every stdout line is one JSON object described by the constants here.
package claudecode

// Top-level message types on stdout
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or tool calls from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is an echoed user message
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeError reports a CLI-level error
	MessageTypeError = "error"
	// MessageTypeToolUse is a bare tool call message
	MessageTypeToolUse = "tool_use"
	// MessageTypeToolResult is a bare tool result message
	MessageTypeToolResult = "tool_result"
	// MessageTypeStreamEvent wraps a partial-message event; the real
	// event sits under the "event" key
	MessageTypeStreamEvent = "stream_event"
)

// Inner event types carried by stream_event wrappers. Older CLI
// versions emit some of these bare at the top level.
const (
	EventMessage           = "message"
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventError             = "error"
)

// Content block types
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Content block delta types
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
)

// Common tool names seen in tool_use blocks
const (
	ToolBash  = "Bash"
	ToolRead  = "Read"
	ToolWrite = "Write"
	ToolEdit  = "Edit"
	ToolGlob  = "Glob"
	ToolGrep  = "Grep"
	ToolTask  = "Task"
)
