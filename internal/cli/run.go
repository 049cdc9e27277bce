package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/jobrunner/pkg/jobrunner"
	"github.com/me/jobrunner/pkg/model"
)

// errJobFailed makes the process exit non-zero once the summary has
// been printed.
var errJobFailed = errors.New("job failed")

// jobFlags are shared by the commands that describe a job.
type jobFlags struct {
	name         string
	logFile      string
	dependsOn    []string
	dependsOnArr []string
	threads      int
	pe           string
	exclusive    bool
	wallClock    string
	maxProcesses int
}

func (f *jobFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.name, "name", "N", "jobrunner", "Job name")
	fl.StringVarP(&f.logFile, "log", "o", "", "Log file (default: <name>.log; array tasks append -<index>)")
	fl.StringSliceVar(&f.dependsOn, "depends-on", nil, "Job IDs that must complete first (repeatable or comma-separated)")
	fl.StringSliceVar(&f.dependsOnArr, "depends-on-array", nil, "Array job IDs that must complete as a whole first")
	fl.IntVarP(&f.threads, "threads", "t", 1, "CPU slots per task")
	fl.StringVar(&f.pe, "pe", "", "Grid Engine parallel environment (required for threads > 1 on grid)")
	fl.BoolVar(&f.exclusive, "exclusive", false, "Request exclusive use of the node")
	fl.StringVar(&f.wallClock, "wall-clock", "", "Wall clock limit HH:MM:SS")
}

func (f *jobFlags) request(args []string) jobrunner.RunRequest {
	logFile := f.logFile
	if logFile == "" {
		logFile = f.name + ".log"
	}
	return jobrunner.RunRequest{
		Command:        strings.Join(args, " "),
		Name:           f.name,
		LogFile:        logFile,
		DependsOn:      f.dependsOn,
		DependsOnArray: f.dependsOnArr,
		Resources: model.Resources{
			Threads:             f.threads,
			ParallelEnvironment: f.pe,
			Exclusive:           f.exclusive,
			WallClockLimit:      f.wallClock,
			MaxProcesses:        f.maxProcesses,
		},
		Quiet: flagQuiet,
	}
}

type arrayFlags struct {
	jobFlags
	arrayFile     string
	numTasks      int
	slotDependsOn []string
}

func (f *arrayFlags) register(cmd *cobra.Command) {
	f.jobFlags.register(cmd)
	fl := cmd.Flags()
	fl.StringVarP(&f.arrayFile, "array-file", "a", "", "Parameter file, one task per line")
	fl.IntVarP(&f.numTasks, "num-tasks", "n", 0, "Run only the first n lines of the array file")
	fl.StringSliceVar(&f.slotDependsOn, "slot-depends-on", nil, "Array job IDs whose task i must complete before task i")
	fl.IntVar(&f.maxProcesses, "max-processes", 0, "Maximum concurrently running tasks of the array")
}

func (f *arrayFlags) request(args []string) jobrunner.ArrayRequest {
	return jobrunner.ArrayRequest{
		RunRequest:    f.jobFlags.request(args),
		ArrayFile:     f.arrayFile,
		NumTasks:      f.numTasks,
		SlotDependsOn: f.slotDependsOn,
	}
}

func newRunCmd() *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command line>",
		Short: "Run a single job",
		Example: `  jobrunner run -N count -- "zcat reads.fq.gz | wc -l > count.txt"
  jobrunner --backend slurm run -N step2 --depends-on 4242 -- ./step2.sh
  jobrunner --backend torque run -N merge --depends-on-array 4242 -- ./merge.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := runner.Run(cmd.Context(), flags.request(args))
			if err != nil {
				return err
			}
			return finish(cmd.Context(), cmd.OutOrStdout(), id)
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunArrayCmd() *cobra.Command {
	var flags arrayFlags
	cmd := &cobra.Command{
		Use:   "run-array [flags] -- <command line with {1}..{9}>",
		Short: "Run one task per line of an array file",
		Example: `  jobrunner run-array -a samples.txt -N align -- "bwa mem ref.fa {1} > {2}.sam"
  jobrunner --backend grid run-array -a samples.txt --slot-depends-on 4242 -- ./next.sh {1}`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.arrayFile == "" {
				return fmt.Errorf("--array-file is required")
			}
			id, err := runner.RunArray(cmd.Context(), flags.request(args))
			if err != nil {
				return err
			}
			return finish(cmd.Context(), cmd.OutOrStdout(), id)
		},
	}
	flags.register(cmd)
	return cmd
}

func newSynthCmd() *cobra.Command {
	var flags arrayFlags
	cmd := &cobra.Command{
		Use:   "synth [flags] -- <command line>",
		Short: "Print what run or run-array would execute, without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lines []string
			var err error
			if flags.arrayFile != "" {
				lines, err = runner.DryRunArray(flags.request(args))
			} else {
				lines, err = runner.DryRun(flags.jobFlags.request(args))
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range lines {
				fmt.Fprintln(out, strings.TrimRight(l, "\n"))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List jobs the scheduler still holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := runner.Active(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

// finish prints the identifier of a remote job, or waits for a local job
// and prints its task summary. Local jobs cannot outlive this process.
func finish(ctx context.Context, out io.Writer, id string) error {
	if !runner.Backend().IsLocal() {
		fmt.Fprintln(out, id)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	state, err := runner.Wait(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := runner.Tasks(id)
	if err != nil {
		return err
	}

	if !flagQuiet {
		printSummary(out, tasks)
	}
	logger.Info("job finished", "job_id", id, "state", state, "tasks", len(tasks),
		"elapsed", time.Since(start).Round(time.Millisecond))
	if state == model.JobStateFailed {
		return fmt.Errorf("%w: %s", errJobFailed, id)
	}
	return nil
}

func printSummary(out io.Writer, tasks []model.Task) {
	fmt.Fprintf(out, "%-6s  %-10s  %-5s  %-10s  %s\n", "TASK", "STATE", "EXIT", "LOG SIZE", "LOG")
	for _, t := range tasks {
		exit := "-"
		if t.ExitCode != nil {
			exit = strconv.Itoa(*t.ExitCode)
		}
		size := "-"
		if fi, err := os.Stat(t.LogFile); err == nil {
			size = humanize.Bytes(uint64(fi.Size()))
		}
		fmt.Fprintf(out, "%-6d  %-10s  %-5s  %-10s  %s\n", t.Index, t.State, exit, size, t.LogFile)
	}
}
