package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownBackend is returned for backend names outside grid, slurm, torque and local.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrUnknownJob is returned when a job identifier was never submitted
	// through this runner.
	ErrUnknownJob = errors.New("unknown job")

	// ErrArrayFile is returned when an array file is missing, empty or unreadable.
	ErrArrayFile = errors.New("array file")

	// ErrPredecessorFailed marks tasks that never ran because a predecessor failed.
	ErrPredecessorFailed = errors.New("predecessor failed")
)

// SubstitutionError reports a bad or out-of-range {k} placeholder.
type SubstitutionError struct {
	Template    string
	Placeholder string
	// Line is the 1-based array file line the placeholder was applied to, 0 if unknown.
	Line   int
	Params int
	Reason string
}

func (e *SubstitutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "substitution: placeholder %s", e.Placeholder)
	if e.Line > 0 {
		fmt.Fprintf(&b, " on line %d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// SynthesisError is returned when a job asks for something the selected
// backend cannot express.
type SynthesisError struct {
	Backend    Backend
	Capability string
	Reason     string
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis (%s): %s: %s", e.Backend, e.Capability, e.Reason)
}

// DependencyCycleError is returned when recording a dependency would close a cycle.
type DependencyCycleError struct {
	Nodes []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving jobs: %s", strings.Join(e.Nodes, ", "))
}

// SubmissionError is returned when the external submission tool fails or
// prints something that is not a job identifier.
type SubmissionError struct {
	Backend  Backend
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submit (%s): %s", e.Backend, e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.ExitCode != 0 {
		msg += fmt.Sprintf(": exit status %d", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TaskExecutionError records a local task that did not complete
// successfully. It is attached to the task, never returned from submission.
type TaskExecutionError struct {
	JobID    string
	Task     int
	ExitCode int
	LogFile  string
	Err      error
}

func (e *TaskExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %s task %d: %v (log %s)", e.JobID, e.Task, e.Err, e.LogFile)
	}
	return fmt.Sprintf("job %s task %d: exit status %d (log %s)", e.JobID, e.Task, e.ExitCode, e.LogFile)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
