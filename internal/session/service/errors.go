package service

import "errors"

var (
	// ErrSessionNotFound is returned when a session ID resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRunNotFound is returned when a run ID resolves to nothing.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotActive is returned by lifecycle operations that need a live
	// subprocess when the run has none.
	ErrRunNotActive = errors.New("run not active")

	// ErrEventNotFound is returned when a branch-point event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrEventNotInRun is returned when a branch-point event exists but
	// belongs to a different run.
	ErrEventNotInRun = errors.New("event does not belong to run")
)
