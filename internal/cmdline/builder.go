// Package cmdline builds batch scheduler submission commands from
// backend-neutral job descriptions.
package cmdline

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/me/jobrunner/internal/params"
	"github.com/me/jobrunner/internal/shell"
	"github.com/me/jobrunner/pkg/model"
)

// DefaultArrayTool runs one line of an array file on a compute node.
const DefaultArrayTool = "qarrayrun"

var wallClockPattern = regexp.MustCompile(`^\d+:[0-5]\d:[0-5]\d$`)

// Options configures a Builder.
type Options struct {
	// ExtraParams is appended to every submission, split with shell rules.
	ExtraParams string

	// WorkDir is the torque working directory (-d). Defaults to the
	// current directory at build time.
	WorkDir string

	// ArrayTool substitutes array file parameters on the compute node.
	ArrayTool string

	// ArraySubshell quotes the array command as a single word and runs it
	// through the array tool's --shell mode.
	ArraySubshell bool

	// MaxArraySize caps the task count of array jobs; zero means unbounded.
	MaxArraySize int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ArrayTool:     DefaultArrayTool,
		ArraySubshell: true,
	}
}

// Capabilities describes which optional requests a backend can honour.
type Capabilities struct {
	Exclusive      bool
	SlotDependency bool
	MaxArraySize   int
}

// JobSpec is everything the synthesizer needs to know about a job.
type JobSpec struct {
	Name      string
	Command   string
	LogFile   string
	DependsOn model.DependencySpec
	Resources model.Resources

	// ArrayFile and NumTasks make the job an array job when NumTasks > 0.
	ArrayFile string
	NumTasks  int
}

// IsArray reports whether the spec describes an array job.
func (s JobSpec) IsArray() bool {
	return s.NumTasks > 0
}

// Invocation is a synthesized submission: the tool argv plus the job
// script fed to it on standard input.
type Invocation struct {
	Argv    []string
	Script  string
	LogFile string
}

// scriptDelimiter terminates the here-document in Invocation.String.
const scriptDelimiter = "JOBRUNNER_SCRIPT"

// String renders the invocation as a shell line with the script supplied
// through a quoted here-document.
func (inv *Invocation) String() string {
	return shell.Join(inv.Argv...) + " <<'" + scriptDelimiter + "'\n" + inv.Script + scriptDelimiter + "\n"
}

// dialect supplies one scheduler's flag conventions.
type dialect interface {
	backend() model.Backend
	capabilities() Capabilities
	// taskEnv names the environment variable holding the array task index.
	taskEnv() string
	scriptHeader() string
	arrayLogFile(base string) string
	flags(spec JobSpec, logFile string, opts Options) ([]string, error)
}

// Builder synthesizes submission commands for one remote backend.
type Builder struct {
	d     dialect
	opts  Options
	extra []string
}

// NewBuilder returns a Builder for backend. The local backend has no
// submission tool and is rejected.
func NewBuilder(backend model.Backend, opts Options) (*Builder, error) {
	var d dialect
	switch backend {
	case model.BackendGrid:
		d = gridDialect{}
	case model.BackendSlurm:
		d = slurmDialect{}
	case model.BackendTorque:
		d = torqueDialect{}
	case model.BackendLocal:
		return nil, &model.SynthesisError{Backend: backend, Capability: "submission command", Reason: "local jobs are executed directly"}
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownBackend, backend)
	}

	if opts.ArrayTool == "" {
		opts.ArrayTool = DefaultArrayTool
	}
	var extra []string
	if strings.TrimSpace(opts.ExtraParams) != "" {
		words, err := shell.Split(opts.ExtraParams)
		if err != nil {
			return nil, fmt.Errorf("extra params: %w", err)
		}
		extra = words
	}
	return &Builder{d: d, opts: opts, extra: extra}, nil
}

// Backend returns the backend this builder targets.
func (b *Builder) Backend() model.Backend {
	return b.d.backend()
}

// Capabilities returns the backend capabilities, with the configured
// array size limit applied.
func (b *Builder) Capabilities() Capabilities {
	c := b.d.capabilities()
	if b.opts.MaxArraySize > 0 {
		c.MaxArraySize = b.opts.MaxArraySize
	}
	return c
}

// Build synthesizes the submission for spec.
func (b *Builder) Build(spec JobSpec) (*Invocation, error) {
	if err := b.check(spec); err != nil {
		return nil, err
	}

	logFile := spec.LogFile
	if spec.IsArray() {
		logFile = b.d.arrayLogFile(spec.LogFile)
	}

	flags, err := b.d.flags(spec, logFile, b.opts)
	if err != nil {
		return nil, err
	}
	argv := append(flags, b.extra...)

	return &Invocation{
		Argv:    argv,
		Script:  b.d.scriptHeader() + b.script(spec),
		LogFile: logFile,
	}, nil
}

// check rejects requests the backend cannot express.
func (b *Builder) check(spec JobSpec) error {
	backend := b.d.backend()
	caps := b.Capabilities()

	if strings.TrimSpace(spec.Command) == "" {
		return &model.SynthesisError{Backend: backend, Capability: "command", Reason: "command line is empty"}
	}
	if spec.Resources.Exclusive && !caps.Exclusive {
		return &model.SynthesisError{Backend: backend, Capability: "exclusive", Reason: "exclusive node access is not supported"}
	}
	if spec.DependsOn.SlotDependency && len(spec.DependsOn.AfterArray) > 0 {
		if !caps.SlotDependency {
			return &model.SynthesisError{Backend: backend, Capability: "slot dependency", Reason: "task-matched array dependencies are not supported"}
		}
		if !spec.IsArray() {
			return &model.SynthesisError{Backend: backend, Capability: "slot dependency", Reason: "only array jobs can depend on matching array tasks"}
		}
	}
	if spec.IsArray() && caps.MaxArraySize > 0 && spec.NumTasks > caps.MaxArraySize {
		return &model.SynthesisError{
			Backend:    backend,
			Capability: "array size",
			Reason:     fmt.Sprintf("%d tasks exceeds the limit of %d", spec.NumTasks, caps.MaxArraySize),
		}
	}
	if l := spec.Resources.WallClockLimit; l != "" && !wallClockPattern.MatchString(l) {
		return &model.SynthesisError{Backend: backend, Capability: "wall clock limit", Reason: fmt.Sprintf("%q is not HH:MM:SS", l)}
	}
	if spec.IsArray() {
		if spec.ArrayFile == "" {
			return &model.SynthesisError{Backend: backend, Capability: "array job", Reason: "array file is required"}
		}
		if _, err := params.Placeholders(spec.Command, params.ModeRemote); err != nil {
			return err
		}
	}
	return nil
}

// script returns the job body. The caller's command line runs as one unit
// inside a subshell so its metacharacters keep their meaning.
func (b *Builder) script(spec JobSpec) string {
	if !spec.IsArray() {
		return "(\n" + spec.Command + "\n)\n"
	}
	if b.opts.ArraySubshell {
		return shell.Join(b.opts.ArrayTool, "--shell", b.d.taskEnv(), spec.ArrayFile, spec.Command) + "\n"
	}
	return shell.Join(b.opts.ArrayTool, b.d.taskEnv(), spec.ArrayFile) + " " + spec.Command + "\n"
}

func holdLists(d model.DependencySpec) (whole, slot []string) {
	whole = append(whole, d.After...)
	if d.SlotDependency {
		return whole, append(slot, d.AfterArray...)
	}
	return append(whole, d.AfterArray...), nil
}

func itoa(n int) string { return strconv.Itoa(n) }

// gridDialect targets Grid Engine qsub.
type gridDialect struct{}

func (gridDialect) backend() model.Backend { return model.BackendGrid }

func (gridDialect) capabilities() Capabilities {
	return Capabilities{SlotDependency: true}
}

func (gridDialect) taskEnv() string      { return "SGE_TASK_ID" }
func (gridDialect) scriptHeader() string { return "" }

func (gridDialect) arrayLogFile(base string) string { return base + "-$TASK_ID" }

func (gridDialect) flags(spec JobSpec, logFile string, _ Options) ([]string, error) {
	argv := []string{"qsub", "-terse"}
	if spec.IsArray() {
		argv = append(argv, "-t", "1-"+itoa(spec.NumTasks))
	}
	argv = append(argv, "-V", "-j", "y", "-cwd", "-N", spec.Name, "-o", logFile)

	whole, slot := holdLists(spec.DependsOn)
	if len(whole) > 0 {
		argv = append(argv, "-hold_jid", strings.Join(whole, ","))
	}
	if len(slot) > 0 {
		argv = append(argv, "-hold_jid_ad", strings.Join(slot, ","))
	}
	if spec.IsArray() && spec.Resources.MaxProcesses > 0 {
		argv = append(argv, "-tc", itoa(spec.Resources.MaxProcesses))
	}
	if threads := spec.Resources.SlotCount(); threads > 1 {
		if spec.Resources.ParallelEnvironment == "" {
			return nil, &model.SynthesisError{
				Backend:    model.BackendGrid,
				Capability: "threads",
				Reason:     "a parallel environment is required when consuming more than one thread on grid engine",
			}
		}
		argv = append(argv, "-pe", spec.Resources.ParallelEnvironment, itoa(threads))
	}
	if l := spec.Resources.WallClockLimit; l != "" {
		argv = append(argv, "-l", "h_rt="+l)
	}
	return argv, nil
}

// slurmDialect targets SLURM sbatch.
type slurmDialect struct{}

func (slurmDialect) backend() model.Backend { return model.BackendSlurm }

func (slurmDialect) capabilities() Capabilities {
	return Capabilities{Exclusive: true, SlotDependency: true}
}

func (slurmDialect) taskEnv() string      { return "SLURM_ARRAY_TASK_ID" }
func (slurmDialect) scriptHeader() string { return "#!/bin/sh\n" }

func (slurmDialect) arrayLogFile(base string) string { return base + "-%a" }

func (slurmDialect) flags(spec JobSpec, logFile string, _ Options) ([]string, error) {
	argv := []string{"sbatch", "--parsable"}
	if spec.Resources.Exclusive {
		argv = append(argv, "--exclusive")
	}
	if spec.IsArray() {
		array := "--array=1-" + itoa(spec.NumTasks)
		if spec.Resources.MaxProcesses > 0 {
			array += "%" + itoa(spec.Resources.MaxProcesses)
		}
		argv = append(argv, array)
	}
	argv = append(argv, "--export=ALL", "--job-name="+spec.Name, "-o", logFile)

	whole, slot := holdLists(spec.DependsOn)
	var deps []string
	if len(whole) > 0 {
		deps = append(deps, "afterok:"+strings.Join(whole, ":"))
	}
	if len(slot) > 0 {
		deps = append(deps, "aftercorr:"+strings.Join(slot, ":"))
	}
	if len(deps) > 0 {
		argv = append(argv, "--dependency="+strings.Join(deps, ","))
	}
	if threads := spec.Resources.SlotCount(); threads > 1 {
		argv = append(argv, "--cpus-per-task="+itoa(threads))
	}
	if l := spec.Resources.WallClockLimit; l != "" {
		argv = append(argv, "--time", l)
	}
	return argv, nil
}

// torqueDialect targets Torque/PBS qsub.
type torqueDialect struct{}

func (torqueDialect) backend() model.Backend { return model.BackendTorque }

func (torqueDialect) capabilities() Capabilities {
	return Capabilities{}
}

func (torqueDialect) taskEnv() string      { return "PBS_ARRAYID" }
func (torqueDialect) scriptHeader() string { return "" }

// Torque appends the array index to output files itself.
func (torqueDialect) arrayLogFile(base string) string { return base }

func (torqueDialect) flags(spec JobSpec, logFile string, opts Options) ([]string, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("torque working directory: %w", err)
		}
		workDir = wd
	}

	argv := []string{"qsub"}
	if spec.IsArray() {
		array := "1-" + itoa(spec.NumTasks)
		if spec.Resources.MaxProcesses > 0 {
			array += "%" + itoa(spec.Resources.MaxProcesses)
		}
		argv = append(argv, "-t", array)
	}
	argv = append(argv, "-V", "-j", "oe", "-d", workDir, "-N", spec.Name, "-o", logFile)

	var deps []string
	if len(spec.DependsOn.After) > 0 {
		deps = append(deps, "afterok:"+strings.Join(spec.DependsOn.After, ":"))
	}
	if len(spec.DependsOn.AfterArray) > 0 {
		deps = append(deps, "afterokarray:"+strings.Join(spec.DependsOn.AfterArray, ":"))
	}
	if len(deps) > 0 {
		argv = append(argv, "-W", "depend="+strings.Join(deps, ","))
	}
	if threads := spec.Resources.SlotCount(); threads > 1 {
		argv = append(argv, "-l", "nodes=1:ppn="+itoa(threads))
	}
	if l := spec.Resources.WallClockLimit; l != "" {
		argv = append(argv, "-l", "walltime="+l)
	}
	return argv, nil
}
