package claudecode

import "os"

// Command describes one Claude Code CLI invocation in print mode.
// SessionID establishes a fresh conversation (first interactive turn);
// ResumeID continues an existing one. Both empty means a one-shot run.
type Command struct {
	Model     string
	Prompt    string
	SessionID string
	ResumeID  string
}

// Args returns the argv for the claude binary. Print mode with verbose
// stream-json output and partial messages is the only supported shape;
// permission prompts are skipped because nothing is attached to stdin
// to answer them.
func (c Command) Args() []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--model", c.Model,
		"--dangerously-skip-permissions",
	}
	if c.SessionID != "" {
		args = append(args, "--session-id", c.SessionID)
	} else if c.ResumeID != "" {
		args = append(args, "--resume", c.ResumeID)
	}
	return append(args, c.Prompt)
}

// Env returns the subprocess environment: the parent environment plus
// the marker that tells the CLI it is not attached to a terminal.
func Env() []string {
	return append(os.Environ(), "CLAUDE_CODE_NONINTERACTIVE=1")
}
