package executor

import (
	"fmt"
	"log/slog"

	"github.com/me/jobrunner/internal/shell"
	"github.com/me/jobrunner/internal/supervisor"
	"github.com/me/jobrunner/pkg/model"
)

// Factory creates the Executor for one backend.
type Factory func() (Executor, error)

// Registry maps backends to the factories of their executors. An executor
// is created by Get, not at registration. Registration happens before
// concurrent access, so no mutex is needed.
type Registry struct {
	factories map[model.Backend]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[model.Backend]Factory),
		logger:    logger.With("component", "executor-registry"),
	}
}

// NewDefaultRegistry returns a Registry with the executors of every
// supported backend. local configures the supervisor behind the local
// executor, batch the scheduler executors.
func NewDefaultRegistry(local supervisor.Config, batch BatchConfig, runner shell.Runner, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(model.BackendGrid, func() (Executor, error) {
		return NewGridExecutor(batch, runner, logger)
	})
	r.Register(model.BackendSlurm, func() (Executor, error) {
		return NewSlurmExecutor(batch, runner, logger)
	})
	r.Register(model.BackendTorque, func() (Executor, error) {
		return NewTorqueExecutor(batch, runner, logger)
	})
	r.Register(model.BackendLocal, func() (Executor, error) {
		return NewLocalExecutor(supervisor.New(local, runner, logger), logger), nil
	})
	return r
}

// Register sets the factory for backend b, replacing any earlier one.
func (r *Registry) Register(b model.Backend, f Factory) {
	r.factories[b] = f
	r.logger.Debug("executor registered", "backend", b)
}

// Get creates the Executor for backend b.
func (r *Registry) Get(b model.Backend) (Executor, error) {
	f, ok := r.factories[b]
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for %q", model.ErrUnknownBackend, b)
	}
	exec, err := f()
	if err != nil {
		return nil, fmt.Errorf("create %s executor: %w", b, err)
	}
	if exec.Type() != b {
		return nil, fmt.Errorf("executor registered for %q reports backend %q", b, exec.Type())
	}
	return exec, nil
}
