package shell

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestOSRunner_CapturesOutput(t *testing.T) {
	res, err := NewOSRunner().Run(context.Background(), Command{
		Name: "bash",
		Args: []string{"-c", "echo out; echo err 1>&2"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("Stdout = %q, Stderr = %q", res.Stdout, res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestOSRunner_ExitCode(t *testing.T) {
	res, err := NewOSRunner().Run(context.Background(), Command{Name: "bash", Args: []string{"-c", "exit 100"}})
	if err != nil {
		t.Fatalf("Run() error = %v (non-zero exit is not an error)", err)
	}
	if res.ExitCode != 100 {
		t.Errorf("ExitCode = %d, want 100", res.ExitCode)
	}
}

func TestOSRunner_Stdin(t *testing.T) {
	res, err := NewOSRunner().Run(context.Background(), Command{Name: "cat", Stdin: "#!/bin/sh\necho hi\n"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "#!/bin/sh\necho hi\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestOSRunner_WritersAndEnv(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewOSRunner().Run(context.Background(), Command{
		Name:   "bash",
		Args:   []string{"-c", "echo $JR_TEST_VALUE; echo two 1>&2"},
		Env:    []string{"JR_TEST_VALUE=one"},
		Stdout: &buf,
		Stderr: &buf,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := buf.String(); got != "one\ntwo\n" {
		t.Errorf("combined output = %q", got)
	}
}

func TestOSRunner_MissingBinary(t *testing.T) {
	_, err := NewOSRunner().Run(context.Background(), Command{Name: "definitely-not-a-real-binary-jr"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestQuoteAndSplit(t *testing.T) {
	line := Join("qarrayrun", "--shell", "echo {1} | wc -l && echo done")
	words, err := Split(line)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	want := []string{"qarrayrun", "--shell", "echo {1} | wc -l && echo done"}
	if !reflect.DeepEqual(words, want) {
		t.Errorf("round trip = %v, want %v", words, want)
	}

	if got := Quote("plain"); got != "plain" {
		t.Errorf("Quote(plain) = %q", got)
	}
	if got := Quote("a b"); !strings.Contains(got, "a b") || got == "a b" {
		t.Errorf("Quote(a b) = %q, want quoted", got)
	}

	if _, err := Split(`unterminated "quote`); err == nil {
		t.Error("Split() should fail on unterminated quote")
	}
}

func TestCommand_String(t *testing.T) {
	c := Command{Name: "sbatch", Args: []string{"--job-name=My Job", "-o", "log"}}
	words, err := Split(c.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 4 || words[1] != "--job-name=My Job" {
		t.Errorf("String() = %q", c.String())
	}
}
