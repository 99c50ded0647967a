package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/drover/drover/internal/session/models"
)

// ContextPack is the compact resume context assembled from ranked run
// memories.
type ContextPack struct {
	Goal         string         `json:"goal"`
	Summary      map[string]any `json:"summary"`
	ResumePrompt string         `json:"resume_prompt"`
}

// emptyPackPrompt is returned when a session has no memory entries.
const emptyPackPrompt = "Resume this coding session.\n" +
	"No prior structured memory was found. Start by confirming current objective and state."

// defaultNextAction is used when the primary entry carries none.
const defaultNextAction = "Continue from the latest completed step and verify."

// score ranks one entry: a strong boost for the requested source run,
// recency decay over ten days, and bonuses for failure state, open
// loops, seen tests, and touched files.
func score(entry *models.RunMemoryEntry, now time.Time, sourceRunID string) float64 {
	s := 0.0
	if sourceRunID != "" && entry.RunID == sourceRunID {
		s += 1000.0
	}
	ageHours := 0.0
	if !entry.CreatedAt.IsZero() {
		ageHours = now.Sub(entry.CreatedAt).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
	}
	if remaining := 240.0 - ageHours; remaining > 0 {
		s += remaining / 8.0
	}

	mem := entry.Memory
	if mem == nil {
		return s
	}
	if mem.Status == string(models.RunStatusFailed) {
		s += 8.0
	}
	if n := float64(len(mem.OpenLoops)); n > 0 {
		if n > 6 {
			n = 6
		}
		s += n
	}
	if len(mem.TestCommands) > 0 {
		s += 3.0
	}
	if len(mem.FilesTouched) > 0 {
		half := float64(len(mem.FilesTouched)) / 2.0
		if half > 5 {
			half = 5
		}
		s += half
	}
	return s
}

// BuildPack ranks a session's memory entries and composes the resume
// prompt. sourceRunID, when set, pins that run's entry to the top.
func BuildPack(entries []*models.RunMemoryEntry, sourceRunID string, maxEntries int) *ContextPack {
	if len(entries) == 0 {
		return &ContextPack{
			Goal:         "",
			Summary:      map[string]any{"source": "memory_pack", "entries_used": 0},
			ResumePrompt: emptyPackPrompt,
		}
	}
	if maxEntries <= 0 {
		maxEntries = 5
	}

	now := time.Now().UTC()
	ranked := append([]*models.RunMemoryEntry(nil), entries...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return score(ranked[i], now, sourceRunID) > score(ranked[j], now, sourceRunID)
	})
	selected := ranked
	if len(selected) > maxEntries {
		selected = selected[:maxEntries]
	}

	var (
		selectedEntries []map[string]any
		runIDs          []string
		recentWork      []string
		files           []string
		seenFiles       = map[string]bool{}
		openLoops       []string
		seenLoops       = map[string]bool{}
		validations     []string
		seenValidations = map[string]bool{}
		commands        []string
		seenCommands    = map[string]bool{}
	)

	for _, entry := range selected {
		mem := entry.Memory
		if mem == nil {
			mem = &models.RunMemory{}
		}
		summary := strings.TrimSpace(firstNonEmpty(mem.ShortSummary, entry.ShortSummary))
		objective := strings.TrimSpace(firstNonEmpty(mem.Objective, entry.Objective))

		createdAt := any(nil)
		if !entry.CreatedAt.IsZero() {
			createdAt = entry.CreatedAt.UTC().Format(time.RFC3339)
		}
		selectedEntries = append(selectedEntries, map[string]any{
			"run_id":              entry.RunID,
			"objective":           objective,
			"short_summary":       cleanLine(summary, 180),
			"status":              mem.Status,
			"files_touched_count": len(mem.FilesTouched),
			"open_loops_count":    len(mem.OpenLoops),
			"created_at":          createdAt,
		})
		runIDs = append(runIDs, entry.RunID)

		if summary != "" && len(recentWork) < 5 {
			recentWork = append(recentWork, cleanLine(summary, 180))
		}

		for _, path := range firstN(mem.FilesTouched, 8) {
			if len(files) >= 12 {
				break
			}
			if !seenFiles[path] {
				seenFiles[path] = true
				files = append(files, path)
			}
		}

		for _, loop := range firstN(mem.OpenLoops, 3) {
			if len(openLoops) >= 6 {
				break
			}
			cleaned := cleanLine(loop, 160)
			if cleaned != "" && !seenLoops[cleaned] {
				seenLoops[cleaned] = true
				openLoops = append(openLoops, cleaned)
			}
		}

		for _, testCmd := range firstN(mem.TestCommands, 3) {
			if len(validations) >= 5 {
				break
			}
			cleaned := cleanLine(testCmd, 120)
			if cleaned != "" && !seenValidations[cleaned] {
				seenValidations[cleaned] = true
				validations = append(validations, cleaned)
			}
		}

		for _, cmd := range firstN(mem.Commands, 2) {
			if len(commands) >= 6 {
				break
			}
			cleaned := cleanLine(cmd, 120)
			if cleaned != "" && !seenCommands[cleaned] {
				seenCommands[cleaned] = true
				commands = append(commands, cleaned)
			}
		}
	}

	primary := selected[0]
	primaryMem := primary.Memory
	if primaryMem == nil {
		primaryMem = &models.RunMemory{}
	}
	objective := strings.TrimSpace(firstNonEmpty(primaryMem.Objective, primary.Objective))
	nextAction := cleanLine(firstNonEmpty(primaryMem.NextAction, defaultNextAction), 220)

	resumePrompt := fmt.Sprintf(
		"Resume this previously ended coding session with smart memory context.\n\n"+
			"Objective:\n%s\n\n"+
			"Recent completed work:\n%s\n\n"+
			"Open loops needing attention:\n%s\n\n"+
			"Key artifacts touched:\n%s\n\n"+
			"Relevant validation commands seen:\n%s\n\n"+
			"Important commands run:\n%s\n\n"+
			"Continue from here:\n"+
			"- %s\n"+
			"- Reuse existing files/artifacts before creating new ones.\n"+
			"- Avoid repeating already completed steps unless verification fails.\n"+
			"- If uncertain, run one small validation command before broad changes.",
		orPlaceholder(objective, "(No explicit objective captured)"),
		bullets(recentWork, 5),
		bullets(openLoops, 6),
		bullets(files, 12),
		bullets(validations, 5),
		bullets(commands, 6),
		nextAction,
	)

	return &ContextPack{
		Goal: objective,
		Summary: map[string]any{
			"source":           "memory_pack",
			"entries_used":     len(selected),
			"source_run_id":    sourceRunID,
			"run_ids":          runIDs,
			"selected_entries": selectedEntries,
		},
		ResumePrompt: resumePrompt,
	}
}

// bullets renders a capped bullet list, or "- None".
func bullets(items []string, max int) string {
	if len(items) == 0 {
		return "- None"
	}
	var b strings.Builder
	for i, item := range firstN(items, max) {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}
