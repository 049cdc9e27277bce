package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/me/jobrunner/internal/cmdline"
	"github.com/me/jobrunner/pkg/jobrunner"
	"github.com/me/jobrunner/pkg/model"
)

// Environment variables that override the config file.
const (
	EnvBackend = "JOBRUNNER_BACKEND"
	EnvSlots   = "JOBRUNNER_SLOTS"
)

// RunnerConfig holds configuration for the jobrunner CLI.
type RunnerConfig struct {
	Backend   string `yaml:"backend"`    // grid, slurm, torque or local (default "local")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json

	Slots   int    `yaml:"slots"`    // Local slot pool (default runtime.NumCPU())
	WorkDir string `yaml:"work_dir"` // Local task and torque working directory

	ExtraParams      string `yaml:"extra_params"`       // Appended to every qsub/sbatch command
	ArrayTool        string `yaml:"array_tool"`         // Default "qarrayrun"
	ArraySubshell    bool   `yaml:"array_subshell"`     // Default true
	MaxArraySize     int    `yaml:"max_array_size"`     // 0 means unbounded
	StripArraySuffix bool   `yaml:"strip_array_suffix"` // Default true

	Verbose                   bool `yaml:"verbose"`
	AllowExternalDependencies bool `yaml:"allow_external_dependencies"`
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Backend:          string(model.BackendLocal),
		LogLevel:         "info",
		LogFormat:        "text",
		Slots:            runtime.NumCPU(),
		ArrayTool:        cmdline.DefaultArrayTool,
		ArraySubshell:    true,
		StripArraySuffix: true,
	}
}

// Load reads a YAML config file over the defaults. Keys not present in
// the file keep their default values; unknown keys are an error.
func Load(path string) (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *RunnerConfig) ApplyEnv() error {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = v
	}
	if v := os.Getenv(EnvSlots); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSlots, err)
		}
		c.Slots = n
	}
	return nil
}

// Validate checks values that cannot be fixed up silently.
func (c RunnerConfig) Validate() error {
	if _, err := model.ParseBackend(c.Backend); err != nil {
		return err
	}
	if c.Slots < 0 {
		return fmt.Errorf("slots must not be negative, got %d", c.Slots)
	}
	if c.MaxArraySize < 0 {
		return fmt.Errorf("max_array_size must not be negative, got %d", c.MaxArraySize)
	}
	return nil
}

// JobRunner converts the file configuration to a library configuration.
func (c RunnerConfig) JobRunner() (jobrunner.Config, error) {
	if err := c.Validate(); err != nil {
		return jobrunner.Config{}, err
	}
	backend, _ := model.ParseBackend(c.Backend)

	cfg := jobrunner.DefaultConfig()
	cfg.Backend = backend
	if c.Slots > 0 {
		cfg.Slots = c.Slots
	}
	cfg.WorkDir = c.WorkDir
	cfg.ExtraParams = c.ExtraParams
	if c.ArrayTool != "" {
		cfg.ArrayTool = c.ArrayTool
	}
	cfg.ArraySubshell = c.ArraySubshell
	cfg.MaxArraySize = c.MaxArraySize
	cfg.StripArraySuffix = c.StripArraySuffix
	cfg.Verbose = c.Verbose
	cfg.AllowExternalDependencies = c.AllowExternalDependencies
	return cfg, nil
}
