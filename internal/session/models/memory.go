package models

// RunMemory is the deterministic structured memory distilled from a
// run's event stream. It is stored as JSON alongside the run and
// ranked later when building resume context.
type RunMemory struct {
	Objective         string      `json:"objective"`
	ShortSummary      string      `json:"short_summary"`
	Status            string      `json:"status"`
	RecentUserGoals   []string    `json:"recent_user_goals"`
	AssistantOutcomes []string    `json:"assistant_outcomes"`
	FilesTouched      []string    `json:"files_touched"`
	Commands          []string    `json:"commands"`
	TestCommands      []string    `json:"test_commands"`
	ErrorCount        int         `json:"error_count"`
	Phases            []string    `json:"phases"`
	OpenLoops         []string    `json:"open_loops"`
	NextAction        string      `json:"next_action"`
	PhaseCounts       PhaseCounts `json:"phase_counts"`
}

// PhaseCounts tallies tool activity by kind for one run
type PhaseCounts struct {
	ReadOps  int `json:"read_ops"`
	WriteOps int `json:"write_ops"`
	EditOps  int `json:"edit_ops"`
}
