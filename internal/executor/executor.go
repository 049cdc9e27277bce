// Package executor adapts jobs to the backends that run them: batch
// schedulers reached through their submission tools, and the local
// supervisor.
package executor

import (
	"context"

	"github.com/me/jobrunner/pkg/model"
)

// Executor is a pluggable backend that accepts jobs.
type Executor interface {
	// Type returns the backend this executor submits to.
	Type() model.Backend

	// Submit hands a single job to the backend and returns its identifier.
	Submit(ctx context.Context, job *model.Job) (string, error)

	// SubmitArray hands an array job to the backend and returns its identifier.
	SubmitArray(ctx context.Context, job *model.ArrayJob) (string, error)

	// LastID returns the identifier of the most recent successful submission.
	LastID() string
}

// Synthesizer renders the commands an executor would run without running them.
type Synthesizer interface {
	Synthesize(job *model.Job) ([]string, error)
	SynthesizeArray(job *model.ArrayJob) ([]string, error)
}

// Lister reports the jobs a scheduler still holds, queued or running.
type Lister interface {
	Active(ctx context.Context) ([]string, error)
}

// Tracker is implemented by executors that run jobs themselves and so
// know their outcome.
type Tracker interface {
	Wait(ctx context.Context, id string) (model.JobState, error)
	Job(id string) (model.Job, error)
	Tasks(id string) ([]model.Task, error)
}
