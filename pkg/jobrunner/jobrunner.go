// Package jobrunner submits shell command lines as jobs to a batch
// scheduler (Grid Engine, Slurm, Torque) or runs them on the local
// machine, with the same dependency, array and resource semantics on
// every backend.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/me/jobrunner/internal/cmdline"
	"github.com/me/jobrunner/internal/dag"
	"github.com/me/jobrunner/internal/executor"
	"github.com/me/jobrunner/internal/logging"
	"github.com/me/jobrunner/internal/params"
	"github.com/me/jobrunner/internal/shell"
	"github.com/me/jobrunner/internal/supervisor"
	"github.com/me/jobrunner/pkg/model"
)

// ErrUntracked is returned when task detail is requested for a job whose
// execution belongs to an external scheduler.
var ErrUntracked = errors.New("job is tracked by the external scheduler")

// ErrDuplicateID is returned when a backend hands out an identifier that
// is already in use by an earlier job of this runner.
var ErrDuplicateID = errors.New("duplicate job identifier")

// Config selects and configures the backend. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	Backend model.Backend `json:"backend"`

	// Slots is the local execution slot pool size.
	Slots int `json:"slots"`

	// WorkDir is the working directory of local tasks and of torque jobs.
	WorkDir string `json:"work_dir,omitempty"`

	// ExtraParams is appended to every remote submission command.
	ExtraParams string `json:"extra_params,omitempty"`

	ArrayTool     string `json:"array_tool"`
	ArraySubshell bool   `json:"array_subshell"`

	// MaxArraySize rejects remote array jobs with more tasks. Zero
	// means unbounded.
	MaxArraySize int `json:"max_array_size,omitempty"`

	StripArraySuffix bool `json:"strip_array_suffix"`

	// Verbose logs synthesized submission commands at Info.
	Verbose bool `json:"verbose,omitempty"`

	// Wait makes local Run and RunArray return only once the job has
	// finished.
	Wait bool `json:"wait,omitempty"`

	// AllowExternalDependencies passes predecessor identifiers this
	// runner did not submit straight to the scheduler. They are whole-job
	// dependencies unless named in DependsOnArray or SlotDependsOn.
	// Local jobs always need known predecessors.
	AllowExternalDependencies bool `json:"allow_external_dependencies,omitempty"`
}

// DefaultConfig returns a configuration for the local backend.
func DefaultConfig() Config {
	return Config{
		Backend:          model.BackendLocal,
		Slots:            runtime.NumCPU(),
		ArrayTool:        cmdline.DefaultArrayTool,
		ArraySubshell:    true,
		StripArraySuffix: true,
	}
}

type options struct {
	logger    *slog.Logger
	runner    shell.Runner
	stdout    io.Writer
	onFailure func(*model.TaskExecutionError)
}

// Option customizes a JobRunner.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithShellRunner replaces the process runner used for submission tools
// and local tasks.
func WithShellRunner(r shell.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithStdout sets where output of non-quiet local tasks is copied.
// Default: os.Stdout
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithFailureHandler registers a callback for local tasks that fail.
func WithFailureHandler(fn func(*model.TaskExecutionError)) Option {
	return func(o *options) { o.onFailure = fn }
}

// RunRequest describes a single job.
type RunRequest struct {
	Command string
	Name    string
	LogFile string

	// DependsOn lists identifiers, returned by earlier Run or RunArray
	// calls, of jobs that must complete first.
	DependsOn []string

	// DependsOnArray lists array jobs that must complete as a whole
	// first. It is only needed for array jobs submitted elsewhere; known
	// array jobs in DependsOn are recognized.
	DependsOnArray []string

	Resources model.Resources
	Quiet     bool
}

// ArrayRequest describes an array job: one task per line of ArrayFile,
// with {k} in Command replaced by the k-th word of the line.
type ArrayRequest struct {
	RunRequest

	ArrayFile string

	// NumTasks limits the job to the first NumTasks lines. Zero means
	// every line.
	NumTasks int

	// SlotDependsOn lists array jobs whose task i must complete before
	// task i of this job starts.
	SlotDependsOn []string
}

type entry struct {
	job   model.Job
	array bool
	tasks int
}

// JobRunner is the entry point for submitting jobs.
type JobRunner struct {
	cfg    Config
	logger *slog.Logger
	exec   executor.Executor
	graph  *dag.Graph

	mu    sync.Mutex
	jobs  map[string]*entry
	order []string
}

// New creates a JobRunner for cfg.Backend.
func New(cfg Config, opts ...Option) (*JobRunner, error) {
	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.runner == nil {
		o.runner = shell.NewOSRunner()
	}

	backend, err := model.ParseBackend(string(cfg.Backend))
	if err != nil {
		return nil, err
	}
	cfg.Backend = backend

	exec, err := newRegistry(cfg, o).Get(backend)
	if err != nil {
		return nil, err
	}

	r := &JobRunner{
		cfg:    cfg,
		logger: o.logger.With("component", "jobrunner"),
		exec:   exec,
		graph:  dag.New(),
		jobs:   make(map[string]*entry),
	}
	r.logger.Debug("runner ready", "backend", backend)
	return r, nil
}

func newRegistry(cfg Config, o options) *executor.Registry {
	sc := supervisor.DefaultConfig()
	if cfg.Slots > 0 {
		sc.Slots = cfg.Slots
	}
	sc.WorkDir = cfg.WorkDir
	sc.Stdout = o.stdout
	sc.OnFailure = o.onFailure

	bc := executor.DefaultBatchConfig()
	bc.Options = cmdline.Options{
		ExtraParams:   cfg.ExtraParams,
		WorkDir:       cfg.WorkDir,
		ArrayTool:     cfg.ArrayTool,
		ArraySubshell: cfg.ArraySubshell,
		MaxArraySize:  cfg.MaxArraySize,
	}
	bc.StripArraySuffix = cfg.StripArraySuffix
	bc.Verbose = cfg.Verbose

	return executor.NewDefaultRegistry(sc, bc, o.runner, o.logger)
}

// Backend returns the backend jobs are submitted to.
func (r *JobRunner) Backend() model.Backend {
	return r.cfg.Backend
}

// LastID returns the identifier of the most recent submission.
func (r *JobRunner) LastID() string {
	return r.exec.LastID()
}

// Run submits a single job and returns its identifier.
func (r *JobRunner) Run(ctx context.Context, req RunRequest) (string, error) {
	job, err := r.prepare(req, nil)
	if err != nil {
		return "", err
	}

	id, err := r.exec.Submit(ctx, job)
	if err != nil {
		return "", err
	}
	if err := r.record(id, job, false, 1); err != nil {
		return id, err
	}
	return id, r.maybeWait(ctx, id)
}

// RunArray submits an array job and returns its identifier.
func (r *JobRunner) RunArray(ctx context.Context, req ArrayRequest) (string, error) {
	job, err := r.prepareArray(req)
	if err != nil {
		return "", err
	}

	id, err := r.exec.SubmitArray(ctx, job)
	if err != nil {
		return "", err
	}
	if err := r.record(id, &job.Job, true, job.NumTasks); err != nil {
		return id, err
	}
	return id, r.maybeWait(ctx, id)
}

// DryRun returns the commands Run would execute, without running them.
func (r *JobRunner) DryRun(req RunRequest) ([]string, error) {
	job, err := r.prepare(req, nil)
	if err != nil {
		return nil, err
	}
	return r.synthesizer().Synthesize(job)
}

// DryRunArray returns the commands RunArray would execute, without
// running them.
func (r *JobRunner) DryRunArray(req ArrayRequest) ([]string, error) {
	job, err := r.prepareArray(req)
	if err != nil {
		return nil, err
	}
	return r.synthesizer().SynthesizeArray(job)
}

func (r *JobRunner) synthesizer() executor.Synthesizer {
	// Every executor in this package renders dry runs.
	return r.exec.(executor.Synthesizer)
}

func (r *JobRunner) prepare(req RunRequest, slotDeps []string) (*model.Job, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, &model.SynthesisError{Backend: r.cfg.Backend, Capability: "command", Reason: "command line is empty"}
	}
	deps, err := r.classify(req.DependsOn, req.DependsOnArray, slotDeps)
	if err != nil {
		return nil, err
	}
	return &model.Job{
		Name:      req.Name,
		Command:   req.Command,
		LogFile:   req.LogFile,
		Backend:   r.cfg.Backend,
		DependsOn: deps,
		Resources: req.Resources,
		Quiet:     req.Quiet,
		State:     model.JobStatePending,
	}, nil
}

func (r *JobRunner) prepareArray(req ArrayRequest) (*model.ArrayJob, error) {
	job, err := r.prepare(req.RunRequest, req.SlotDependsOn)
	if err != nil {
		return nil, err
	}
	if req.ArrayFile == "" {
		return nil, fmt.Errorf("%w: no array file given", model.ErrArrayFile)
	}
	if req.NumTasks < 0 {
		return nil, fmt.Errorf("%w: negative task count %d", model.ErrArrayFile, req.NumTasks)
	}

	mode := params.ModeRemote
	if r.cfg.Backend.IsLocal() {
		mode = params.ModeLocal
	}

	numTasks := req.NumTasks
	var lines [][]string
	f, err := params.ParseFile(req.ArrayFile)
	switch {
	case err == nil:
		lines = f.Head(numTasks)
		if err := params.Validate(req.Command, lines, mode); err != nil {
			return nil, err
		}
		if numTasks == 0 || numTasks > len(lines) {
			numTasks = len(lines)
		}
	case numTasks > 0 && !r.cfg.Backend.IsLocal():
		// The file may be written by a predecessor before the array
		// starts; placeholders are still checked when building.
		r.logger.Debug("array file not readable yet", "file", req.ArrayFile, "error", err)
	default:
		return nil, err
	}

	return &model.ArrayJob{Job: *job, ArrayFile: req.ArrayFile, NumTasks: numTasks, Lines: lines}, nil
}

// classify splits predecessor identifiers into whole-job and array
// dependencies. Jobs this runner submitted are classified by what they
// are; other identifiers, where allowed, by the list they were given in.
func (r *JobRunner) classify(dependsOn, dependsOnArray, slotDependsOn []string) (model.DependencySpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	external := !r.cfg.Backend.IsLocal() && r.cfg.AllowExternalDependencies
	slot := len(slotDependsOn) > 0

	var spec model.DependencySpec
	// With slot dependencies present every AfterArray entry is matched
	// task by task, so whole-array predecessors move to After.
	wholeArray := func(id string) {
		if slot {
			spec.After = append(spec.After, id)
		} else {
			spec.AfterArray = append(spec.AfterArray, id)
		}
	}

	for _, id := range dependsOn {
		e, ok := r.jobs[id]
		switch {
		case !ok && !external:
			return spec, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
		case ok && e.array:
			wholeArray(id)
		default:
			spec.After = append(spec.After, id)
		}
	}
	for _, id := range dependsOnArray {
		e, ok := r.jobs[id]
		switch {
		case !ok && !external:
			return spec, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
		case ok && !e.array:
			return spec, notArray(r.cfg.Backend, "array dependency", id)
		}
		wholeArray(id)
	}
	for _, id := range slotDependsOn {
		e, ok := r.jobs[id]
		switch {
		case !ok && !external:
			return spec, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
		case ok && !e.array:
			return spec, notArray(r.cfg.Backend, "slot dependency", id)
		}
		spec.AfterArray = append(spec.AfterArray, id)
		spec.SlotDependency = true
	}
	return spec, nil
}

func notArray(backend model.Backend, capability, id string) error {
	return &model.SynthesisError{
		Backend:    backend,
		Capability: capability,
		Reason:     fmt.Sprintf("job %s is not an array job", id),
	}
}

// record adds a submitted job to the runner. Identifiers are handed out by
// the backend, so the graph can only be checked once the job is queued; a
// failed check still records the job, since it exists on the backend.
func (r *JobRunner) record(id string, job *model.Job, array bool, tasks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.jobs[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	j := *job
	j.ID = id
	if j.State.CanTransitionTo(model.JobStateSubmitted) {
		j.State = model.JobStateSubmitted
	}
	j.SubmittedAt = time.Now()
	r.jobs[id] = &entry{job: j, array: array, tasks: tasks}
	r.order = append(r.order, id)

	deps := job.DependsOn
	var err error
	if deps.SlotDependency {
		err = r.graph.Record(id, deps.After)
		for _, pred := range deps.AfterArray {
			if err != nil {
				break
			}
			err = r.graph.RecordSlot(id, pred)
		}
	} else {
		err = r.graph.Record(id, deps.All())
	}
	if err != nil {
		r.logger.Error("dependency graph", "job_id", id, "error", err)
	}
	return err
}

func (r *JobRunner) maybeWait(ctx context.Context, id string) error {
	if !r.cfg.Wait || !r.cfg.Backend.IsLocal() {
		return nil
	}
	_, err := r.Wait(ctx, id)
	return err
}

func (r *JobRunner) tracker() (executor.Tracker, bool) {
	t, ok := r.exec.(executor.Tracker)
	return t, ok
}

// Wait blocks until a local job finishes and returns its final state.
// Remote jobs are reported as submitted right away, since their progress
// belongs to the scheduler.
func (r *JobRunner) Wait(ctx context.Context, id string) (model.JobState, error) {
	job, err := r.Job(id)
	if err != nil {
		return "", err
	}
	t, ok := r.tracker()
	if !ok {
		return job.State, nil
	}
	return t.Wait(ctx, id)
}

// WaitAll waits for every job submitted so far, in dependency order, and
// returns their final states.
func (r *JobRunner) WaitAll(ctx context.Context) (map[string]model.JobState, error) {
	order := r.graph.Order()
	states := make(map[string]model.JobState)
	for _, id := range order {
		// Predecessors submitted elsewhere are bare nodes.
		if !r.graph.Has(id) {
			continue
		}
		state, err := r.Wait(ctx, id)
		if err != nil {
			return states, err
		}
		states[id] = state
	}
	return states, nil
}

// Job returns a snapshot of job id.
func (r *JobRunner) Job(id string) (model.Job, error) {
	if t, ok := r.tracker(); ok {
		return t.Job(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrUnknownJob, id)
	}
	return e.job, nil
}

// Tasks returns the tasks of a local job with their states, exit codes
// and log files.
func (r *JobRunner) Tasks(id string) ([]model.Task, error) {
	t, ok := r.tracker()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUntracked, id)
	}
	return t.Tasks(id)
}

// Jobs returns the identifiers of every job submitted, in submission order.
func (r *JobRunner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Active returns the jobs still queued or running. Remote backends are
// asked through their queue listing tool.
func (r *JobRunner) Active(ctx context.Context) ([]string, error) {
	if l, ok := r.exec.(executor.Lister); ok {
		return l.Active(ctx)
	}
	var active []string
	for _, id := range r.Jobs() {
		job, err := r.Job(id)
		if err != nil {
			return nil, err
		}
		if !job.State.IsTerminal() {
			active = append(active, id)
		}
	}
	return active, nil
}
