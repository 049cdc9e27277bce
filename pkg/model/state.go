package model

import (
	"fmt"
	"strings"
)

// Backend identifies the batch system a job is submitted to.
type Backend string

const (
	BackendGrid   Backend = "grid"
	BackendSlurm  Backend = "slurm"
	BackendTorque Backend = "torque"
	BackendLocal  Backend = "local"
)

// Backends lists every supported backend in a stable order.
var Backends = []Backend{BackendGrid, BackendSlurm, BackendTorque, BackendLocal}

// ParseBackend converts a case-insensitive backend name to a Backend.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Backends {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %q (must be one of grid, slurm, torque, local)", ErrUnknownBackend, s)
}

// String returns the string representation of the backend.
func (b Backend) String() string {
	return string(b)
}

// IsLocal reports whether jobs on this backend run in-process.
func (b Backend) IsLocal() bool {
	return b == BackendLocal
}

// JobState represents the lifecycle state of a Job.
// Remote jobs never advance past Submitted; the scheduler owns the rest.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateSubmitted JobState = "SUBMITTED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
var ValidJobTransitions = map[JobState][]JobState{
	JobStatePending:   {JobStateSubmitted},
	JobStateSubmitted: {JobStateRunning, JobStateFailed},
	JobStateRunning:   {JobStateCompleted, JobStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskState represents the lifecycle state of a locally executed Task.
type TaskState string

const (
	TaskStateWaiting   TaskState = "WAITING"
	TaskStateQueued    TaskState = "QUEUED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// Waiting and Queued tasks may fail directly when a predecessor fails.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateWaiting: {TaskStateQueued, TaskStateFailed},
	TaskStateQueued:  {TaskStateRunning, TaskStateFailed},
	TaskStateRunning: {TaskStateCompleted, TaskStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
