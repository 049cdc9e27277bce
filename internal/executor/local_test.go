package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/jobrunner/internal/shell"
	"github.com/me/jobrunner/internal/supervisor"
	"github.com/me/jobrunner/pkg/model"
)

func newTestLocal(t *testing.T) *LocalExecutor {
	t.Helper()
	cfg := supervisor.DefaultConfig()
	cfg.Slots = 2
	cfg.Stdout = nil
	return NewLocalExecutor(supervisor.New(cfg, shell.NewOSRunner(), newTestLogger()), newTestLogger())
}

func writeArrayFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalExecutor_Type(t *testing.T) {
	if got := newTestLocal(t).Type(); got != model.BackendLocal {
		t.Fatalf("Type() = %q, want %q", got, model.BackendLocal)
	}
}

func TestLocalExecutor_Submit(t *testing.T) {
	e := newTestLocal(t)
	log := filepath.Join(t.TempDir(), "job.log")

	id, err := e.Submit(context.Background(), &model.Job{Name: "hello", Command: "echo Hello", LogFile: log})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !strings.HasPrefix(id, LocalIDPrefix) || e.LastID() != id {
		t.Errorf("id = %q, LastID = %q", id, e.LastID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := e.Wait(ctx, id)
	if err != nil || state != model.JobStateCompleted {
		t.Fatalf("Wait() = %s, %v", state, err)
	}
	data, _ := os.ReadFile(log)
	if string(data) != "Hello\n" {
		t.Errorf("log = %q", data)
	}

	job, err := e.Job(id)
	if err != nil || job.ID != id || job.Name != "hello" {
		t.Errorf("Job() = %+v, %v", job, err)
	}
}

func TestLocalExecutor_UniqueIDs(t *testing.T) {
	e := newTestLocal(t)
	dir := t.TempDir()
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := e.Submit(context.Background(), &model.Job{Command: "true", LogFile: filepath.Join(dir, "l")})
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestLocalExecutor_SubmitArray(t *testing.T) {
	e := newTestLocal(t)
	file := writeArrayFile(t, "World 1\nWorld 2\nWorld 3\n")
	log := filepath.Join(t.TempDir(), "hello.log")

	job := &model.ArrayJob{
		Job:       model.Job{Name: "hello", Command: "echo Hello {1}", LogFile: log},
		ArrayFile: file,
		NumTasks:  2,
	}
	id, err := e.SubmitArray(context.Background(), job)
	if err != nil {
		t.Fatalf("SubmitArray() error = %v", err)
	}
	if _, err := e.Wait(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	tasks, err := e.Tasks(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 (NumTasks)", len(tasks))
	}
	if _, err := os.Stat(log + "-3"); !os.IsNotExist(err) {
		t.Error("third task should not have run")
	}
}

func TestLocalExecutor_SubmitArrayUsesParsedLines(t *testing.T) {
	e := newTestLocal(t)
	file := writeArrayFile(t, "read\n")
	log := filepath.Join(t.TempDir(), "lines.log")

	// The file on disk no longer matches what was validated.
	job := &model.ArrayJob{
		Job:       model.Job{Command: "echo {1}", LogFile: log},
		ArrayFile: file,
		Lines:     [][]string{{"validated"}, {"twice"}},
	}
	id, err := e.SubmitArray(context.Background(), job)
	if err != nil {
		t.Fatalf("SubmitArray() error = %v", err)
	}
	if _, err := e.Wait(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	tasks, _ := e.Tasks(id)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	data, _ := os.ReadFile(log + "-1")
	if string(data) != "validated\n" {
		t.Errorf("task 1 log = %q, want the parsed line", data)
	}
}

func TestLocalExecutor_SubmitArrayMissingFile(t *testing.T) {
	e := newTestLocal(t)
	job := &model.ArrayJob{Job: model.Job{Command: "echo {1}"}, ArrayFile: filepath.Join(t.TempDir(), "absent")}
	if _, err := e.SubmitArray(context.Background(), job); !errors.Is(err, model.ErrArrayFile) {
		t.Errorf("error = %v, want ErrArrayFile", err)
	}
	if e.LastID() != "" {
		t.Error("LastID must stay empty after a rejected job")
	}
}

func TestLocalExecutor_Synthesize(t *testing.T) {
	e := newTestLocal(t)

	lines, err := e.Synthesize(&model.Job{Command: "echo hi", LogFile: "out.log"})
	if err != nil {
		t.Fatal(err)
	}
	words, err := shell.Split(strings.TrimSuffix(lines[0], " 2>&1 | tee out.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 3 || words[0] != "bash" || words[2] != supervisor.Script("echo hi") {
		t.Errorf("words = %q", words)
	}

	quiet, _ := e.Synthesize(&model.Job{Command: "echo hi", LogFile: "out.log", Quiet: true})
	if !strings.HasSuffix(quiet[0], " > out.log 2>&1") {
		t.Errorf("quiet line = %q", quiet[0])
	}
}

func TestLocalExecutor_SynthesizeArray(t *testing.T) {
	e := newTestLocal(t)
	file := writeArrayFile(t, "a 1\nb\n")

	lines, err := e.SynthesizeArray(&model.ArrayJob{Job: model.Job{Command: "echo {1}", LogFile: "l"}, ArrayFile: file})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || !strings.HasSuffix(lines[1], "tee l-2") || !strings.Contains(lines[1], "echo b") {
		t.Errorf("lines = %q", lines)
	}

	_, err = e.SynthesizeArray(&model.ArrayJob{Job: model.Job{Command: "echo {2}", LogFile: "l"}, ArrayFile: file})
	var subErr *model.SubstitutionError
	if !errors.As(err, &subErr) || subErr.Line != 2 {
		t.Errorf("error = %v, want SubstitutionError on line 2", err)
	}
}
