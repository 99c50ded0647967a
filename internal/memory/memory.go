// Package memory distills a run's event log into structured memory and
// assembles resume context from it. Extraction is deterministic: the
// same event log always yields the same memory, so entries can be
// re-extracted idempotently.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/session/models"
	"github.com/drover/drover/internal/session/repository"
)

// openLoopCues mark assistant outcomes that leave a question or next
// step hanging.
var openLoopCues = []string{
	"let me know",
	"would you like",
	"what would you like",
	"i can also",
	"next step",
}

// testCommandCues identify validation commands among Bash invocations.
var testCommandCues = []string{"test", "pytest", "jest", "vitest", "go test", "cargo test"}

// fileTools are the tools whose inputs name workspace files.
var fileTools = map[string]bool{
	"Glob": true, "Grep": true, "Read": true, "Edit": true, "Write": true,
}

// cleanLine collapses runs of whitespace and truncates to max with a
// trailing ellipsis.
func cleanLine(text string, max int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if len([]rune(cleaned)) <= max {
		return cleaned
	}
	runes := []rune(cleaned)
	return strings.TrimRight(string(runes[:max-3]), " ") + "..."
}

// normalizeCommand reduces a Bash command to its first line, replacing
// heredoc bodies with a marker so file contents never leak into memory.
func normalizeCommand(command string) string {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return ""
	}
	firstLine := strings.TrimSpace(strings.SplitN(cmd, "\n", 2)[0])
	if strings.Contains(cmd, "<<") {
		return cleanLine(firstLine+" [heredoc body omitted]", 220)
	}
	return cleanLine(firstLine, 220)
}

// eventContent returns the text content of a stream event, from the
// denormalized field or the payload.
func eventContent(e *events.Event) string {
	if e.Content != "" {
		return e.Content
	}
	return e.PayloadString("content")
}

// toolCall returns the tool name and input of a stream.tool_use event.
func toolCall(e *events.Event) (string, map[string]any) {
	name := e.ToolName
	input := e.ToolInput
	if name == "" {
		name = e.PayloadString("name")
	}
	if block, ok := e.Payload["content_block"].(map[string]any); ok {
		if name == "" {
			name, _ = block["name"].(string)
		}
		if input == nil {
			input, _ = block["input"].(map[string]any)
		}
	}
	return name, input
}

func inputString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := input[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Extract scans a run's event log once, in sequence order, and builds
// its structured memory.
func Extract(run *models.Run, evts []*events.Event) *models.RunMemory {
	var (
		firstGoal            string
		recentUserGoals      []string
		touchedFiles         []string
		touchedSeen          = map[string]bool{}
		commands             []string
		commandSeen          = map[string]bool{}
		latestAssistantParts []string
		assistantOutcomes    []string
		latestSummary        string
		errorCount           int
		testCommands         []string
		readCount            int
		editCount            int
		writeCount           int
		openLoops            []string
		openLoopSeen         = map[string]bool{}
	)

	for _, event := range evts {
		switch event.Type {
		case events.StreamUser:
			content := strings.TrimSpace(eventContent(event))
			if content != "" && !strings.HasPrefix(content, "[Agent") {
				if firstGoal == "" {
					firstGoal = content
				}
				recentUserGoals = append(recentUserGoals, cleanLine(content, 180))
				if len(recentUserGoals) > 6 {
					recentUserGoals = recentUserGoals[len(recentUserGoals)-6:]
				}
				latestAssistantParts = nil
			}

		case events.StreamAssistant:
			if content := eventContent(event); content != "" {
				latestAssistantParts = append(latestAssistantParts, content)
			}

		case events.StreamResult:
			if len(latestAssistantParts) == 0 {
				continue
			}
			latestSummary = cleanLine(strings.Join(latestAssistantParts, ""), 900)
			if latestSummary == "" {
				continue
			}
			assistantOutcomes = append(assistantOutcomes, latestSummary)
			if len(assistantOutcomes) > 3 {
				assistantOutcomes = assistantOutcomes[len(assistantOutcomes)-3:]
			}
			lowered := strings.ToLower(latestSummary)
			for _, cue := range openLoopCues {
				if strings.Contains(lowered, cue) {
					loop := cleanLine(latestSummary, 220)
					if !openLoopSeen[loop] {
						openLoopSeen[loop] = true
						openLoops = append(openLoops, loop)
					}
					break
				}
			}

		case events.StreamToolUse:
			name, input := toolCall(event)
			if input == nil {
				continue
			}
			switch name {
			case "Glob", "Grep", "Read":
				readCount++
			case "Edit":
				editCount++
			case "Write":
				writeCount++
			}

			if fileTools[name] {
				if path := inputString(input, "file_path", "path"); path != "" && !touchedSeen[path] {
					touchedSeen[path] = true
					touchedFiles = append(touchedFiles, path)
				}
			}

			if name == "Bash" {
				command := inputString(input, "command")
				normalized := normalizeCommand(command)
				if normalized != "" && !commandSeen[normalized] {
					commandSeen[normalized] = true
					commands = append(commands, normalized)
					loweredCmd := strings.ToLower(command)
					for _, cue := range testCommandCues {
						if strings.Contains(loweredCmd, cue) {
							testCommands = append(testCommands, normalized)
							break
						}
					}
				}
			}

		case events.StreamError, events.RunFailed:
			errorCount++
		}
	}

	var phases []string
	if readCount > 0 {
		phases = append(phases, "exploration")
	}
	if writeCount > 0 || editCount > 0 {
		phases = append(phases, "implementation")
	}
	if len(testCommands) > 0 {
		phases = append(phases, "validation")
	}
	if errorCount > 0 {
		phases = append(phases, "error_handling")
	}

	var nextAction string
	switch {
	case run.Status == models.RunStatusFailed:
		nextAction = "Fix the latest failure first, then rerun the smallest relevant validation command."
	case len(testCommands) > 0:
		nextAction = "Re-run targeted tests for changed files, then finalize remaining polish."
	case len(touchedFiles) > 0:
		nextAction = "Review touched files for completeness and run one lightweight validation command."
	default:
		nextAction = "Clarify the next concrete implementation step and proceed."
	}

	shortSummary := latestSummary
	if shortSummary == "" {
		shortSummary = fmt.Sprintf("Run %s with %d files touched and %d key commands.",
			run.Status, len(touchedFiles), len(commands))
	}

	return &models.RunMemory{
		Objective:         cleanLine(firstGoal, 300),
		ShortSummary:      cleanLine(shortSummary, 320),
		Status:            string(run.Status),
		RecentUserGoals:   lastN(recentUserGoals, 4),
		AssistantOutcomes: lastN(assistantOutcomes, 2),
		FilesTouched:      firstN(touchedFiles, 24),
		Commands:          firstN(commands, 24),
		TestCommands:      firstN(testCommands, 12),
		ErrorCount:        errorCount,
		Phases:            phases,
		OpenLoops:         firstN(openLoops, 6),
		NextAction:        nextAction,
		PhaseCounts: models.PhaseCounts{
			ReadOps:  readCount,
			WriteOps: writeCount,
			EditOps:  editCount,
		},
	}
}

// Persist extracts memory for a finished run and upserts its entry.
// One entry per run; repeated calls overwrite in place.
func Persist(ctx context.Context, repo repository.Repository, runID string) error {
	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run for memory extraction: %w", err)
	}
	evts, err := repo.ListEventsByRun(ctx, runID, 0, -1)
	if err != nil {
		return fmt.Errorf("load events for memory extraction: %w", err)
	}

	mem := Extract(run, evts)
	shortSummary := mem.ShortSummary
	if shortSummary == "" {
		shortSummary = "Run memory"
	}
	entry := &models.RunMemoryEntry{
		ID:           uuid.New().String(),
		RunID:        runID,
		SessionID:    run.SessionID,
		Objective:    mem.Objective,
		ShortSummary: shortSummary,
		Memory:       mem,
	}
	if err := repo.UpsertRunMemory(ctx, entry); err != nil {
		return fmt.Errorf("upsert run memory: %w", err)
	}
	return nil
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
