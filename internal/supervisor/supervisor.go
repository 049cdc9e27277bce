// Package supervisor executes jobs on the local machine with the
// guarantees a batch scheduler would give them: bounded concurrency,
// dependency ordering, array fan-out and one log file per task.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/me/jobrunner/internal/params"
	"github.com/me/jobrunner/internal/shell"
	"github.com/me/jobrunner/pkg/model"
)

// Config configures a Supervisor.
type Config struct {
	// Slots is the size of the execution slot pool.
	// Default: runtime.NumCPU()
	Slots int

	// WorkDir is the working directory of every task. Empty means the
	// current directory.
	WorkDir string

	// Shell interprets task command lines. It must understand
	// `set -o pipefail`.
	Shell string

	// Stdout receives task output for jobs that are not quiet.
	Stdout io.Writer

	// OnFailure is called, outside the supervisor lock, for every task
	// that ran and did not succeed.
	OnFailure func(*model.TaskExecutionError)
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Slots:  runtime.NumCPU(),
		Shell:  "bash",
		Stdout: os.Stdout,
	}
}

// Supervisor owns local task processes and their states.
type Supervisor struct {
	cfg    Config
	runner shell.Runner
	logger *slog.Logger
	out    io.Writer

	// mu guards the slot count and every job and task state together, so
	// a task is never admitted on stale dependency information.
	mu      sync.Mutex
	free    int
	jobs    map[string]*jobEntry
	order   []string
	pending []*taskEntry // not yet running, in submission order
}

type jobEntry struct {
	job       model.Job
	tasks     []*taskEntry
	running   int
	remaining int
	failed    bool
	done      chan struct{}
}

func (j *jobEntry) task(index int) *taskEntry {
	if index >= 1 && index <= len(j.tasks) {
		return j.tasks[index-1]
	}
	return nil
}

type taskEntry struct {
	job    *jobEntry
	task   model.Task
	weight int
	deps   []*taskEntry
}

// New creates a Supervisor.
func New(cfg Config, runner shell.Runner, logger *slog.Logger) *Supervisor {
	if cfg.Slots < 1 {
		cfg.Slots = runtime.NumCPU()
	}
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	var out io.Writer
	if cfg.Stdout != nil {
		out = &lockedWriter{w: cfg.Stdout}
	}
	return &Supervisor{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "supervisor"),
		out:    out,
		free:   cfg.Slots,
		jobs:   make(map[string]*jobEntry),
	}
}

// Slots returns the size of the slot pool.
func (s *Supervisor) Slots() int {
	return s.cfg.Slots
}

// Script returns the shell script a task command runs as.
func Script(command string) string {
	return "set -o pipefail; (\n" + command + "\n)"
}

// Submit schedules a single job. job.ID must be set and unique.
func (s *Supervisor) Submit(job model.Job) error {
	task := model.Task{
		JobID:   job.ID,
		Index:   1,
		Command: job.Command,
		LogFile: job.LogFile,
	}
	return s.add(job, []model.Task{task})
}

// SubmitArray schedules one task per parameter line. Every line is
// expanded before anything is queued, so a bad placeholder rejects the
// whole job.
func (s *Supervisor) SubmitArray(job model.ArrayJob, lines [][]string) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: job %s has no tasks", model.ErrArrayFile, job.ID)
	}
	tasks := make([]model.Task, 0, len(lines))
	for i, line := range lines {
		cmd, err := params.Expand(job.Command, line, params.ModeLocal)
		if err != nil {
			var subErr *model.SubstitutionError
			if errors.As(err, &subErr) {
				subErr.Line = i + 1
			}
			return err
		}
		tasks = append(tasks, model.Task{
			JobID:   job.ID,
			Index:   i + 1,
			Params:  line,
			Command: cmd,
			LogFile: model.TaskLogFile(job.LogFile, i+1),
		})
	}
	return s.add(job.Job, tasks)
}

func (s *Supervisor) add(job model.Job, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already submitted", job.ID)
	}

	entry := &jobEntry{
		job:       job,
		remaining: len(tasks),
		done:      make(chan struct{}),
	}
	entry.job.State = model.JobStatePending
	s.transitionJobLocked(entry, model.JobStateSubmitted)
	entry.job.SubmittedAt = time.Now()

	weight := job.Resources.SlotCount()
	if job.Resources.Exclusive || weight > s.cfg.Slots {
		weight = s.cfg.Slots
	}

	for _, t := range tasks {
		te := &taskEntry{job: entry, task: t, weight: weight}
		deps, err := s.resolveLocked(job.DependsOn, t.Index)
		if err != nil {
			return err
		}
		te.deps = deps
		te.task.State = model.TaskStateQueued
		for _, d := range deps {
			if d.task.State != model.TaskStateCompleted {
				te.task.State = model.TaskStateWaiting
				break
			}
		}
		entry.tasks = append(entry.tasks, te)
	}

	s.jobs[job.ID] = entry
	s.order = append(s.order, job.ID)
	s.pending = append(s.pending, entry.tasks...)

	s.logger.Debug("job accepted",
		"job_id", job.ID,
		"name", job.Name,
		"tasks", len(tasks),
		"slots_per_task", weight,
	)

	s.dispatchLocked()
	return nil
}

// resolveLocked turns a dependency spec into the predecessor tasks of the
// task with the given index.
func (s *Supervisor) resolveLocked(deps model.DependencySpec, index int) ([]*taskEntry, error) {
	var out []*taskEntry
	for _, id := range deps.After {
		pred, ok := s.jobs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
		}
		out = append(out, pred.tasks...)
	}
	for _, id := range deps.AfterArray {
		pred, ok := s.jobs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
		}
		if deps.SlotDependency {
			if t := pred.task(index); t != nil {
				out = append(out, t)
				continue
			}
		}
		out = append(out, pred.tasks...)
	}
	return out, nil
}

type depStatus int

const (
	depsPending depStatus = iota
	depsMet
	depsFailed
)

func (t *taskEntry) depStatus() depStatus {
	status := depsMet
	for _, d := range t.deps {
		switch d.task.State {
		case model.TaskStateFailed:
			return depsFailed
		case model.TaskStateCompleted:
		default:
			status = depsPending
		}
	}
	return status
}

// dispatchLocked advances pending tasks: failed predecessors fail their
// dependents, met dependencies queue tasks, and queued tasks start while
// slots allow. Pending tasks are kept in submission order, which is a
// topological order, so one pass settles failure propagation.
func (s *Supervisor) dispatchLocked() {
	slotBlocked := false
	kept := s.pending[:0]
	for _, t := range s.pending {
		if t.task.State == model.TaskStateWaiting {
			switch t.depStatus() {
			case depsFailed:
				s.finishLocked(t, model.TaskStateFailed, nil, &model.TaskExecutionError{
					JobID:    t.task.JobID,
					Task:     t.task.Index,
					ExitCode: -1,
					LogFile:  t.task.LogFile,
					Err:      model.ErrPredecessorFailed,
				})
				continue
			case depsMet:
				s.transitionLocked(t, model.TaskStateQueued)
			}
		}

		if t.task.State == model.TaskStateQueued && !slotBlocked {
			limit := t.job.job.Resources.MaxProcesses
			switch {
			case limit > 0 && t.job.running >= limit:
				// The array's own cap; other jobs may still start.
			case s.free < t.weight:
				// Later tasks wait too, so wide tasks are not starved.
				slotBlocked = true
			default:
				s.startLocked(t)
				continue
			}
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
}

func (s *Supervisor) startLocked(t *taskEntry) {
	s.free -= t.weight
	t.job.running++
	s.transitionLocked(t, model.TaskStateRunning)
	now := time.Now()
	t.task.StartedAt = &now
	if t.job.job.State == model.JobStateSubmitted {
		s.transitionJobLocked(t.job, model.JobStateRunning)
	}

	s.logger.Debug("task started",
		"job_id", t.task.JobID,
		"task", t.task.Index,
		"free_slots", s.free,
	)
	go s.execute(t)
}

func (s *Supervisor) transitionLocked(t *taskEntry, next model.TaskState) bool {
	if !t.task.State.CanTransitionTo(next) {
		s.logger.Error("task state", "error", &model.InvalidTransitionError{
			Entity: "Task",
			ID:     t.task.JobID + "-" + strconv.Itoa(t.task.Index),
			From:   t.task.State.String(),
			To:     next.String(),
		})
		return false
	}
	t.task.State = next
	return true
}

func (s *Supervisor) transitionJobLocked(j *jobEntry, next model.JobState) bool {
	if !j.job.State.CanTransitionTo(next) {
		s.logger.Error("job state", "error", &model.InvalidTransitionError{
			Entity: "Job",
			ID:     j.job.ID,
			From:   j.job.State.String(),
			To:     next.String(),
		})
		return false
	}
	j.job.State = next
	return true
}

// finishLocked moves t to a terminal state and closes its job when it was
// the last task outstanding.
func (s *Supervisor) finishLocked(t *taskEntry, state model.TaskState, exitCode *int, err *model.TaskExecutionError) {
	if !s.transitionLocked(t, state) {
		return
	}
	now := time.Now()
	t.task.CompletedAt = &now
	t.task.ExitCode = exitCode
	if err != nil {
		t.task.Err = err
	}

	j := t.job
	if state == model.TaskStateFailed {
		j.failed = true
	}
	j.remaining--
	if j.remaining > 0 {
		return
	}
	if j.failed {
		s.transitionJobLocked(j, model.JobStateFailed)
	} else {
		s.transitionJobLocked(j, model.JobStateCompleted)
	}
	close(j.done)
	s.logger.Info("job finished",
		"job_id", j.job.ID,
		"name", j.job.Name,
		"state", j.job.State,
		"elapsed", now.Sub(j.job.SubmittedAt).Round(time.Millisecond),
	)
}

// execute runs t and records the outcome.
func (s *Supervisor) execute(t *taskEntry) {
	exitCode, runErr := s.run(t)

	var failure *model.TaskExecutionError
	if runErr != nil || exitCode != 0 {
		failure = &model.TaskExecutionError{
			JobID:    t.task.JobID,
			Task:     t.task.Index,
			ExitCode: exitCode,
			LogFile:  t.task.LogFile,
			Err:      runErr,
		}
	}

	s.mu.Lock()
	s.free += t.weight
	t.job.running--
	if failure != nil {
		s.finishLocked(t, model.TaskStateFailed, &exitCode, failure)
	} else {
		s.finishLocked(t, model.TaskStateCompleted, &exitCode, nil)
	}
	s.dispatchLocked()
	s.mu.Unlock()

	if failure != nil {
		s.logger.Warn("task failed", "job_id", t.task.JobID, "task", t.task.Index, "error", failure)
		if s.cfg.OnFailure != nil {
			s.cfg.OnFailure(failure)
		}
	}
}

// run executes the task process. Fields of t.task read here are fixed
// before the task is started.
func (s *Supervisor) run(t *taskEntry) (int, error) {
	var w io.Writer = io.Discard
	if t.task.LogFile != "" {
		if dir := filepath.Dir(t.task.LogFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return -1, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.Create(t.task.LogFile)
		if err != nil {
			return -1, fmt.Errorf("open log: %w", err)
		}
		defer f.Close()
		w = f
	}
	if !t.job.job.Quiet && s.out != nil {
		w = io.MultiWriter(w, s.out)
	}

	res, err := s.runner.Run(context.Background(), shell.Command{
		Name: s.cfg.Shell,
		Args: []string{"-c", Script(t.task.Command)},
		Dir:  s.cfg.WorkDir,
		Env: []string{
			"JOBRUNNER_JOB_ID=" + t.task.JobID,
			"JOBRUNNER_TASK_ID=" + strconv.Itoa(t.task.Index),
		},
		Stdout: w,
		Stderr: w,
	})
	if err != nil {
		return -1, err
	}
	return res.ExitCode, nil
}

// Wait blocks until job id reaches a terminal state or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, id string) (model.JobState, error) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return entry.job.State, nil
}

// WaitAll waits for every job submitted so far.
func (s *Supervisor) WaitAll(ctx context.Context) error {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Wait(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Job returns a snapshot of job id.
func (s *Supervisor) Job(id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
	}
	return entry.job, nil
}

// JobState returns the current state of job id.
func (s *Supervisor) JobState(id string) (model.JobState, error) {
	job, err := s.Job(id)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// Tasks returns snapshots of the tasks of job id, in index order.
func (s *Supervisor) Tasks(id string) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
	}
	out := make([]model.Task, len(entry.tasks))
	for i, t := range entry.tasks {
		out[i] = t.task
	}
	return out, nil
}

// lockedWriter serializes writes from concurrently running tasks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
