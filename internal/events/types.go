// Package events defines the event taxonomy and the event model shared by
// the bus, the store, the stream parser, and the WebSocket gateway.
package events

import "fmt"

// Session lifecycle events.
const (
	SessionCreated   = "session.created"
	SessionStarted   = "session.started"
	SessionPaused    = "session.paused"
	SessionResumed   = "session.resumed"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
)

// Run lifecycle events.
const (
	RunStarted   = "run.started"
	RunPaused    = "run.paused"
	RunResumed   = "run.resumed"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
	RunBranched  = "run.branched"
)

// Stream events parsed from assistant CLI output.
const (
	StreamInit       = "stream.init"
	StreamSystem     = "stream.system"
	StreamAssistant  = "stream.assistant"
	StreamUser       = "stream.user"
	StreamToolUse    = "stream.tool_use"
	StreamToolResult = "stream.tool_result"
	StreamResult     = "stream.result"
	StreamError      = "stream.error"
)

// Intervention events for human-in-the-loop control.
const (
	InterventionPause      = "intervention.pause"
	InterventionResume     = "intervention.resume"
	InterventionPromptEdit = "intervention.prompt_edit"
	InterventionRetry      = "intervention.retry"
	InterventionBranch     = "intervention.branch"
	InterventionInject     = "intervention.inject"
	InterventionAbort      = "intervention.abort"
)

// Git workspace events.
const (
	GitSnapshot   = "git.snapshot"
	GitDiff       = "git.diff"
	GitFileChange = "git.file_change"
)

// Metrics events.
const (
	MetricsTokens   = "metrics.tokens"
	MetricsCost     = "metrics.cost"
	MetricsDuration = "metrics.duration"
)

// subjectPrefix is the root token for relayed NATS subjects.
const subjectPrefix = "drover.events"

// BuildEventSubject returns the NATS subject an event is relayed on:
// drover.events.<session>.<run>.<type>. Empty IDs are replaced with "-"
// so the subject never contains an empty token.
func BuildEventSubject(sessionID, runID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s.%s", subjectPrefix, subjectToken(sessionID), subjectToken(runID), eventType)
}

// BuildSessionWildcardSubject returns the subject pattern matching every
// relayed event for a session.
func BuildSessionWildcardSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.>", subjectPrefix, subjectToken(sessionID))
}

// BuildRunWildcardSubject returns the subject pattern matching every relayed
// event for a run.
func BuildRunWildcardSubject(sessionID, runID string) string {
	return fmt.Sprintf("%s.%s.%s.>", subjectPrefix, subjectToken(sessionID), subjectToken(runID))
}

func subjectToken(id string) string {
	if id == "" {
		return "-"
	}
	return id
}
