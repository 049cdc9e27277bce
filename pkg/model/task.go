package model

import (
	"strconv"
	"time"
)

// Task is one element of an array job, or the only element of a local
// single job.
type Task struct {
	JobID   string    `json:"job_id"`
	Index   int       `json:"index"`
	Params  []string  `json:"params,omitempty"`
	Command string    `json:"command"`
	LogFile string    `json:"log_file"`
	State   TaskState `json:"state"`

	ExitCode    *int       `json:"exit_code,omitempty"`
	Err         error      `json:"-"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskLogFile returns the log path of task index for a job logging to base.
// An empty base means the task keeps no log file.
func TaskLogFile(base string, index int) string {
	if base == "" {
		return ""
	}
	return base + "-" + strconv.Itoa(index)
}
