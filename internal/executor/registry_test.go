package executor

import (
	"errors"
	"testing"

	"github.com/me/jobrunner/internal/supervisor"
	"github.com/me/jobrunner/pkg/model"
)

func TestDefaultRegistry_Get(t *testing.T) {
	sc := supervisor.DefaultConfig()
	sc.Stdout = nil
	r := NewDefaultRegistry(sc, DefaultBatchConfig(), &fakeRunner{}, newTestLogger())

	for _, b := range model.Backends {
		exec, err := r.Get(b)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", b, err)
		}
		if exec.Type() != b {
			t.Errorf("Get(%s).Type() = %s", b, exec.Type())
		}
		if _, ok := exec.(Synthesizer); !ok {
			t.Errorf("%s executor does not synthesize", b)
		}
		_, tracks := exec.(Tracker)
		if tracks != b.IsLocal() {
			t.Errorf("%s executor Tracker = %v", b, tracks)
		}
	}
}

func TestRegistry_Unregistered(t *testing.T) {
	r := NewRegistry(newTestLogger())
	if _, err := r.Get(model.BackendSlurm); !errors.Is(err, model.ErrUnknownBackend) {
		t.Errorf("Get() error = %v, want ErrUnknownBackend", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(newTestLogger())
	boom := errors.New("boom")
	r.Register(model.BackendGrid, func() (Executor, error) { return nil, boom })
	if _, err := r.Get(model.BackendGrid); !errors.Is(err, boom) {
		t.Errorf("Get() error = %v, want factory error", err)
	}
}

func TestRegistry_BackendMismatch(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(model.BackendTorque, func() (Executor, error) {
		return NewSlurmExecutor(DefaultBatchConfig(), &fakeRunner{}, newTestLogger())
	})
	if _, err := r.Get(model.BackendTorque); err == nil {
		t.Error("Get() should reject an executor for another backend")
	}
}
