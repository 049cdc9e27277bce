package model

import "time"

// Resources describes what a job asks of the node it runs on.
type Resources struct {
	// Threads is the number of CPU slots consumed by the job (or by each
	// task of an array job). Values below 1 are treated as 1.
	Threads int `json:"threads,omitempty" yaml:"threads,omitempty"`

	// ParallelEnvironment names the Grid Engine parallel environment.
	// Required on grid when Threads > 1, unused elsewhere.
	ParallelEnvironment string `json:"parallel_environment,omitempty" yaml:"parallel_environment,omitempty"`

	// Exclusive requests that the job monopolize its compute node.
	Exclusive bool `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`

	// WallClockLimit is the maximum run time, HH:MM:SS. Remote only.
	WallClockLimit string `json:"wall_clock_limit,omitempty" yaml:"wall_clock_limit,omitempty"`

	// MaxProcesses caps the number of concurrently running tasks of an
	// array job. Zero means no cap beyond the slot pool.
	MaxProcesses int `json:"max_processes,omitempty" yaml:"max_processes,omitempty"`
}

// SlotCount returns Threads clamped to at least one slot.
func (r Resources) SlotCount() int {
	if r.Threads < 1 {
		return 1
	}
	return r.Threads
}

// DependencySpec lists the jobs that must finish before a job may start.
type DependencySpec struct {
	// After holds whole-job predecessors.
	After []string `json:"after,omitempty"`

	// AfterArray holds array job predecessors. Unless SlotDependency is set
	// these are whole-job dependencies too.
	AfterArray []string `json:"after_array,omitempty"`

	// SlotDependency makes task i of this array job depend only on task i
	// of each AfterArray predecessor.
	SlotDependency bool `json:"slot_dependency,omitempty"`
}

// All returns every predecessor identifier, whole-job ones first.
func (d DependencySpec) All() []string {
	out := make([]string, 0, len(d.After)+len(d.AfterArray))
	out = append(out, d.After...)
	return append(out, d.AfterArray...)
}

// Job is a single unit of work submitted to a backend.
type Job struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Command   string         `json:"command"`
	LogFile   string         `json:"log_file"`
	Backend   Backend        `json:"backend"`
	DependsOn DependencySpec `json:"depends_on"`
	Resources Resources      `json:"resources"`

	// Quiet keeps local task output out of the invoking process's
	// standard streams; it is written to the log file only.
	Quiet bool `json:"quiet,omitempty"`

	State       JobState  `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ArrayJob is a Job expanded into one Task per line of an array file.
type ArrayJob struct {
	Job

	// ArrayFile holds one whitespace-separated parameter line per task.
	ArrayFile string `json:"array_file"`

	// NumTasks limits the job to the first NumTasks lines of ArrayFile.
	// Zero means one task per line.
	NumTasks int `json:"num_tasks,omitempty"`

	// Lines holds the parameter lines already read and validated from
	// ArrayFile. Local execution runs exactly these instead of reading
	// the file again.
	Lines [][]string `json:"-"`
}
