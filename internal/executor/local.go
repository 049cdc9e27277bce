package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/me/jobrunner/internal/params"
	"github.com/me/jobrunner/internal/shell"
	"github.com/me/jobrunner/internal/supervisor"
	"github.com/me/jobrunner/pkg/model"
)

// LocalIDPrefix starts every identifier handed out by the LocalExecutor.
const LocalIDPrefix = "local_"

// LocalExecutor runs jobs as local processes under a supervisor.
// Submission returns as soon as the job is accepted.
type LocalExecutor struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger

	mu     sync.Mutex
	lastID string
}

// NewLocalExecutor creates a LocalExecutor backed by sup.
func NewLocalExecutor(sup *supervisor.Supervisor, logger *slog.Logger) *LocalExecutor {
	return &LocalExecutor{
		sup:    sup,
		logger: logger.With("component", "local-executor"),
	}
}

// Type returns model.BackendLocal.
func (e *LocalExecutor) Type() model.Backend {
	return model.BackendLocal
}

// LastID returns the identifier of the most recent submission.
func (e *LocalExecutor) LastID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastID
}

// Slots returns the size of the local slot pool.
func (e *LocalExecutor) Slots() int {
	return e.sup.Slots()
}

func newLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// Submit schedules a single job.
func (e *LocalExecutor) Submit(_ context.Context, job *model.Job) (string, error) {
	id := newLocalID()
	j := *job
	j.ID = id
	if err := e.sup.Submit(j); err != nil {
		return "", err
	}
	e.accepted(id, job.Name, 1)
	return id, nil
}

// SubmitArray schedules one task per line of the array file, limited to
// the first NumTasks lines when NumTasks is set. Lines already present in
// job are used as they are.
func (e *LocalExecutor) SubmitArray(_ context.Context, job *model.ArrayJob) (string, error) {
	lines, err := arrayLines(job)
	if err != nil {
		return "", err
	}

	id := newLocalID()
	j := *job
	j.ID = id
	if err := e.sup.SubmitArray(j, lines); err != nil {
		return "", err
	}
	e.accepted(id, job.Name, len(lines))
	return id, nil
}

func (e *LocalExecutor) accepted(id, name string, tasks int) {
	e.mu.Lock()
	e.lastID = id
	e.mu.Unlock()
	e.logger.Info("job submitted", "job_id", id, "name", name, "tasks", tasks)
}

// arrayLines returns the lines already read into job, or reads the array
// file when there are none.
func arrayLines(job *model.ArrayJob) ([][]string, error) {
	if job.Lines != nil {
		f := &params.File{Path: job.ArrayFile, Lines: job.Lines}
		return f.Head(job.NumTasks), nil
	}
	f, err := params.ParseFile(job.ArrayFile)
	if err != nil {
		return nil, err
	}
	return f.Head(job.NumTasks), nil
}

// Synthesize returns the shell line the job's task would run.
func (e *LocalExecutor) Synthesize(job *model.Job) ([]string, error) {
	return []string{localLine(job.Command, job.LogFile, job.Quiet)}, nil
}

// SynthesizeArray returns one shell line per task. The array file must
// exist, since the commands are expanded from it.
func (e *LocalExecutor) SynthesizeArray(job *model.ArrayJob) ([]string, error) {
	lines, err := arrayLines(job)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		cmd, err := params.Expand(job.Command, line, params.ModeLocal)
		if err != nil {
			var subErr *model.SubstitutionError
			if errors.As(err, &subErr) {
				subErr.Line = i + 1
			}
			return nil, err
		}
		out = append(out, localLine(cmd, model.TaskLogFile(job.LogFile, i+1), job.Quiet))
	}
	return out, nil
}

func localLine(command, logFile string, quiet bool) string {
	line := shell.Join("bash", "-c", supervisor.Script(command))
	if logFile == "" {
		return line
	}
	if quiet {
		return line + " > " + shell.Quote(logFile) + " 2>&1"
	}
	return line + " 2>&1 | tee " + shell.Quote(logFile)
}

// Wait blocks until job id finishes.
func (e *LocalExecutor) Wait(ctx context.Context, id string) (model.JobState, error) {
	return e.sup.Wait(ctx, id)
}

// Job returns a snapshot of job id.
func (e *LocalExecutor) Job(id string) (model.Job, error) {
	return e.sup.Job(id)
}

// Tasks returns snapshots of the tasks of job id.
func (e *LocalExecutor) Tasks(id string) ([]model.Task, error) {
	return e.sup.Tasks(id)
}
