package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/me/jobrunner/internal/cmdline"
	"github.com/me/jobrunner/internal/shell"
	"github.com/me/jobrunner/pkg/model"
)

// BatchConfig configures the scheduler executors.
type BatchConfig struct {
	Options cmdline.Options

	// StripArraySuffix reduces identifiers such as "12345.1-10:1" or
	// "12345;cluster" to their leading number.
	StripArraySuffix bool

	// Verbose logs every submission command at Info instead of Debug.
	Verbose bool
}

// DefaultBatchConfig returns the default scheduler executor configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Options:          cmdline.DefaultOptions(),
		StripArraySuffix: true,
	}
}

// batchExecutor submits synthesized scripts through a scheduler's
// submission tool. The per-backend types below differ only in their
// dialect and in how they list active jobs.
type batchExecutor struct {
	builder  *cmdline.Builder
	runner   shell.Runner
	cfg      BatchConfig
	queueCmd []string
	logger   *slog.Logger

	mu     sync.Mutex
	lastID string
}

func newBatchExecutor(backend model.Backend, queueCmd []string, cfg BatchConfig, runner shell.Runner, logger *slog.Logger) (*batchExecutor, error) {
	b, err := cmdline.NewBuilder(backend, cfg.Options)
	if err != nil {
		return nil, err
	}
	return &batchExecutor{
		builder:  b,
		runner:   runner,
		cfg:      cfg,
		queueCmd: queueCmd,
		logger:   logger.With("component", string(backend)+"-executor"),
	}, nil
}

// GridExecutor submits jobs to Sun/Univa Grid Engine with qsub.
type GridExecutor struct{ *batchExecutor }

// NewGridExecutor creates a GridExecutor.
func NewGridExecutor(cfg BatchConfig, runner shell.Runner, logger *slog.Logger) (*GridExecutor, error) {
	b, err := newBatchExecutor(model.BackendGrid, []string{"qstat"}, cfg, runner, logger)
	if err != nil {
		return nil, err
	}
	return &GridExecutor{b}, nil
}

// SlurmExecutor submits jobs to Slurm with sbatch.
type SlurmExecutor struct{ *batchExecutor }

// NewSlurmExecutor creates a SlurmExecutor.
func NewSlurmExecutor(cfg BatchConfig, runner shell.Runner, logger *slog.Logger) (*SlurmExecutor, error) {
	b, err := newBatchExecutor(model.BackendSlurm, []string{"squeue", "-h", "-o", "%i"}, cfg, runner, logger)
	if err != nil {
		return nil, err
	}
	return &SlurmExecutor{b}, nil
}

// TorqueExecutor submits jobs to Torque/PBS with qsub.
type TorqueExecutor struct{ *batchExecutor }

// NewTorqueExecutor creates a TorqueExecutor.
func NewTorqueExecutor(cfg BatchConfig, runner shell.Runner, logger *slog.Logger) (*TorqueExecutor, error) {
	b, err := newBatchExecutor(model.BackendTorque, []string{"qstat"}, cfg, runner, logger)
	if err != nil {
		return nil, err
	}
	return &TorqueExecutor{b}, nil
}

// Type returns the scheduler backend.
func (e *batchExecutor) Type() model.Backend {
	return e.builder.Backend()
}

// Capabilities reports the optional requests the scheduler honours.
func (e *batchExecutor) Capabilities() cmdline.Capabilities {
	return e.builder.Capabilities()
}

// LastID returns the identifier of the most recent submission.
func (e *batchExecutor) LastID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastID
}

// Submit submits a single job.
func (e *batchExecutor) Submit(ctx context.Context, job *model.Job) (string, error) {
	return e.submit(ctx, jobSpec(job))
}

// SubmitArray submits an array job. The array file need not exist yet;
// it is read on the compute nodes.
func (e *batchExecutor) SubmitArray(ctx context.Context, job *model.ArrayJob) (string, error) {
	if job.NumTasks < 1 {
		return "", &model.SynthesisError{Backend: e.Type(), Capability: "array", Reason: "task count must be positive"}
	}
	return e.submit(ctx, arraySpec(job))
}

// Synthesize returns the submission a single job would make.
func (e *batchExecutor) Synthesize(job *model.Job) ([]string, error) {
	inv, err := e.builder.Build(jobSpec(job))
	if err != nil {
		return nil, err
	}
	return []string{inv.String()}, nil
}

// SynthesizeArray returns the submission an array job would make.
func (e *batchExecutor) SynthesizeArray(job *model.ArrayJob) ([]string, error) {
	inv, err := e.builder.Build(arraySpec(job))
	if err != nil {
		return nil, err
	}
	return []string{inv.String()}, nil
}

func (e *batchExecutor) submit(ctx context.Context, spec cmdline.JobSpec) (string, error) {
	inv, err := e.builder.Build(spec)
	if err != nil {
		return "", err
	}

	cmd := shell.Command{Name: inv.Argv[0], Args: inv.Argv[1:], Stdin: inv.Script}
	level := slog.LevelDebug
	if e.cfg.Verbose {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "submitting", "command", cmd.String(), "script", inv.Script)

	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return "", &model.SubmissionError{Backend: e.Type(), Command: cmd.String(), Err: err}
	}
	if res.ExitCode != 0 {
		return "", &model.SubmissionError{
			Backend:  e.Type(),
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Output:   strings.TrimSpace(res.Stderr + "\n" + res.Stdout),
		}
	}

	id, err := ParseJobID(res.Stdout, e.cfg.StripArraySuffix)
	if err != nil {
		return "", &model.SubmissionError{Backend: e.Type(), Command: cmd.String(), Output: res.Stdout, Err: err}
	}

	e.mu.Lock()
	e.lastID = id
	e.mu.Unlock()

	e.logger.Info("job submitted", "job_id", id, "name", spec.Name, "tasks", spec.NumTasks)
	return id, nil
}

// Active lists the identifiers the scheduler reports as queued or running.
func (e *batchExecutor) Active(ctx context.Context) ([]string, error) {
	cmd := shell.Command{Name: e.queueCmd[0], Args: e.queueCmd[1:]}
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list active jobs: %s: exit status %d: %s",
			cmd.String(), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseQueue(res.Stdout), nil
}

func jobSpec(job *model.Job) cmdline.JobSpec {
	return cmdline.JobSpec{
		Name:      job.Name,
		Command:   job.Command,
		LogFile:   job.LogFile,
		DependsOn: job.DependsOn,
		Resources: job.Resources,
	}
}

func arraySpec(job *model.ArrayJob) cmdline.JobSpec {
	spec := jobSpec(&job.Job)
	spec.ArrayFile = job.ArrayFile
	spec.NumTasks = job.NumTasks
	return spec
}

// ErrNoJobID is returned when submission output carries no identifier.
var ErrNoJobID = errors.New("no job identifier in submission output")

var jobIDPattern = regexp.MustCompile(`(\d+)(\S*)`)

// ParseJobID extracts the identifier from the output of a submission tool.
// It uses the first numeric token on the last non-empty line, which covers
// "qsub -terse", "Your job 123 (...) has been submitted", "Submitted batch
// job 123" and "123.server". With strip set only the leading digits are
// returned; otherwise the whole token is.
func ParseJobID(output string, strip bool) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	m := jobIDPattern.FindStringSubmatch(last)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrNoJobID, last)
	}
	if strip {
		return m[1], nil
	}
	return m[0], nil
}

// ParseQueue returns the leading numeric identifiers of a queue listing,
// in order and without duplicates. Header and separator lines are skipped.
func ParseQueue(output string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		m := jobIDPattern.FindStringSubmatch(fields[0])
		if m == nil || !strings.HasPrefix(fields[0], m[1]) {
			continue
		}
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}
