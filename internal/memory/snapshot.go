package memory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/session/models"
)

// snapshotTestCues identify validation commands when summarizing an
// interactive session. Matched against the raw command, case sensitive.
var snapshotTestCues = []string{"test", "pytest", "jest", "vitest", "go test"}

// BuildSessionSnapshot distills an ended interactive run's event log
// into a resumable snapshot. Unlike run memory, any tool input naming a
// file counts as a touched artifact, not just the file tools.
func BuildSessionSnapshot(run *models.Run, evts []*events.Event) *models.SessionSnapshot {
	var (
		firstGoal            string
		recentUserGoals      []string
		touchedFiles         []string
		touchedSeen          = map[string]bool{}
		commands             []string
		commandSeen          = map[string]bool{}
		latestAssistantParts []string
		latestAssistantText  string
		lastAssistantMsgs    []string
		errorCount           int
		testCommands         []string
		readCount            int
		editCount            int
		writeCount           int
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
				if len(recentUserGoals) > 5 {
					recentUserGoals = recentUserGoals[len(recentUserGoals)-5:]
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
			latestAssistantText = cleanLine(strings.Join(latestAssistantParts, ""), 420)
			if latestAssistantText != "" {
				lastAssistantMsgs = append(lastAssistantMsgs, latestAssistantText)
				if len(lastAssistantMsgs) > 3 {
					lastAssistantMsgs = lastAssistantMsgs[len(lastAssistantMsgs)-3:]
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

			if path := inputString(input, "file_path", "path"); path != "" && !touchedSeen[path] {
				touchedSeen[path] = true
				touchedFiles = append(touchedFiles, path)
			}

			if name == "Bash" {
				command := inputString(input, "command")
				normalized := normalizeCommand(command)
				if normalized != "" && !commandSeen[normalized] {
					commandSeen[normalized] = true
					commands = append(commands, normalized)
					for _, cue := range snapshotTestCues {
						if strings.Contains(command, cue) {
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

	goal := cleanLine(firstGoal, 300)
	lastSummary := cleanLine(latestAssistantText, 800)
	recentGoals := lastN(recentUserGoals, 3)
	outcomes := lastN(lastAssistantMsgs, 2)
	files := firstN(touchedFiles, 20)
	cmds := firstN(commands, 20)
	tests := firstN(testCommands, 10)

	var phases []string
	if readCount > 0 {
		phases = append(phases, "Exploration")
	}
	if writeCount > 0 || editCount > 0 {
		phases = append(phases, "Implementation")
	}
	if len(tests) > 0 {
		phases = append(phases, "Validation")
	}
	if errorCount > 0 {
		phases = append(phases, "Error handling")
	}
	phasesObserved := "Unknown"
	if len(phases) > 0 {
		phasesObserved = strings.Join(phases, ", ")
	}

	nextStep := "Continue from the latest completed step and run a quick verification."
	switch {
	case run.Status == models.RunStatusFailed || errorCount > 0:
		nextStep = "Address the most recent error first, then rerun the smallest relevant verification command."
	case len(tests) > 0:
		nextStep = "Re-run targeted tests for changed files, then finalize any remaining polish."
	case len(files) > 0:
		nextStep = "Review touched files for correctness and run one lightweight validation command."
	}

	resumePrompt := fmt.Sprintf(
		"Resume this previously ended coding session with smart context.\n\n"+
			"Objective:\n%s\n\n"+
			"Session state:\n"+
			"- Status: %s\n"+
			"- Workflow phases observed: %s\n"+
			"- Errors observed: %d\n\n"+
			"Recent user intent:\n%s\n\n"+
			"Key artifacts touched:\n%s\n\n"+
			"Important commands run:\n%s\n\n"+
			"Latest assistant outcome:\n%s\n\n"+
			"Continue from here:\n"+
			"- %s\n"+
			"- Reuse existing files/artifacts before creating new ones.\n"+
			"- Avoid repeating already completed steps unless verification fails.",
		orPlaceholder(goal, "(No explicit objective captured)"),
		run.Status,
		phasesObserved,
		errorCount,
		bullets(recentGoals, 3),
		bullets(files, 10),
		bullets(cmds, 8),
		orPlaceholder(lastSummary, "(No final assistant outcome captured)"),
		nextStep,
	)

	return &models.SessionSnapshot{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		SessionID: run.SessionID,
		Goal:      goal,
		Summary: map[string]any{
			"goal":                   goal,
			"status":                  string(run.Status),
			"files_touched":           files,
			"commands":                cmds,
			"test_commands":           tests,
			"error_count":             errorCount,
			"last_assistant_summary":  lastSummary,
			"recent_user_goals":       recentGoals,
			"assistant_outcomes":      outcomes,
			"phase_counts": map[string]any{
				"read_ops":  readCount,
				"write_ops": writeCount,
				"edit_ops":  editCount,
			},
		},
		ResumePrompt: resumePrompt,
	}
}
