package cli

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/me/jobrunner/internal/config"
	"github.com/me/jobrunner/internal/logging"
	"github.com/me/jobrunner/pkg/jobrunner"
	"github.com/me/jobrunner/pkg/model"
)

var (
	flagBackend     string
	flagConfig      string
	flagEnvFile     string
	flagDebug       bool
	flagVerbose     bool
	flagQuiet       bool
	flagLogLevel    string
	flagLogFormat   string
	flagSlots       int
	flagExtraParams string

	logger *slog.Logger
	runner *jobrunner.JobRunner
)

// NewRootCmd creates the root cobra command for the jobrunner CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobrunner",
		Short: "Run shell commands as jobs on grid, slurm, torque or the local machine",
		Long: `jobrunner submits command lines to a batch scheduler, or runs them locally
with the same dependency, array and resource semantics.

Array jobs run one task per line of a parameter file; {1}..{9} in the
command are replaced by the words of the line.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger = logging.NewLogger(logging.ResolveLevel(cfg.LogLevel, flagDebug), cfg.LogFormat)

			jc, err := cfg.JobRunner()
			if err != nil {
				return err
			}
			// Each invocation is a new process: identifiers from earlier
			// invocations are only known to the scheduler.
			jc.AllowExternalDependencies = true
			jc.Wait = false

			runner, err = jobrunner.New(jc,
				jobrunner.WithLogger(logger),
				jobrunner.WithStdout(cmd.OutOrStdout()),
				jobrunner.WithFailureHandler(func(e *model.TaskExecutionError) {
					logger.Error("task failed", "job_id", e.JobID, "task", e.Task, "exit_code", e.ExitCode, "log", e.LogFile)
				}),
			)
			return err
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagBackend, "backend", "", "Backend: grid, slurm, torque, local (or "+config.EnvBackend+" env)")
	pf.StringVar(&flagConfig, "config", "", "YAML config file")
	pf.StringVar(&flagEnvFile, "env-file", "", "Load environment variables from a dotenv file first")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Log every submission command")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "Write local task output to log files only")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format (text, json)")
	pf.IntVar(&flagSlots, "slots", 0, "Local execution slots (default: number of CPUs)")
	pf.StringVar(&flagExtraParams, "extra-params", "", "Extra arguments for the submission tool")

	root.AddCommand(
		newRunCmd(),
		newRunArrayCmd(),
		newSynthCmd(),
		newActiveCmd(),
	)

	return root
}

// loadConfig layers defaults, the config file, the environment and
// explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command) (config.RunnerConfig, error) {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil {
			return config.RunnerConfig{}, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := config.DefaultRunnerConfig()
	if flagConfig != "" {
		var err error
		if cfg, err = config.Load(flagConfig); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = flagBackend
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}
	if flags.Changed("slots") {
		cfg.Slots = flagSlots
	}
	if flags.Changed("extra-params") {
		cfg.ExtraParams = flagExtraParams
	}
	if flagVerbose {
		cfg.Verbose = true
	}
	return cfg, cfg.Validate()
}
