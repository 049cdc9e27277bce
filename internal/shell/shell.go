// Package shell runs external commands and quotes command lines for the
// shells that will eventually interpret them.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Command describes one process invocation.
type Command struct {
	Name  string
	Args  []string
	Stdin string
	Dir   string
	// Env entries are appended to the current environment.
	Env []string

	// Stdout and Stderr receive the process output when set. Otherwise the
	// output is captured in the Result.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command as a shell-quoted line, for logs.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Result holds the outcome of a command that was started.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner starts processes. A non-zero exit is reported through
// Result.ExitCode; the error is reserved for failures to run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

// NewOSRunner returns a Runner backed by the operating system.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

// Run executes cmd and waits for it to exit.
func (OSRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &stdoutBuf
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	}
	c.Stderr = &stderrBuf
	if cmd.Stderr != nil {
		c.Stderr = cmd.Stderr
	}

	runErr := c.Run()
	result := &Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	switch err := runErr.(type) {
	case nil:
	case *exec.ExitError:
		result.ExitCode = err.ExitCode()
	default:
		// Binary not found, bad working directory and the like.
		return result, fmt.Errorf("run %s: %w", cmd.Name, runErr)
	}
	return result, nil
}

// Quote returns s as a single shell word.
func Quote(s string) string {
	return shellquote.Join(s)
}

// Join quotes each word and joins them with spaces.
func Join(words ...string) string {
	return shellquote.Join(words...)
}

// Split breaks a command line into words using POSIX shell rules.
func Split(line string) ([]string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", line, err)
	}
	return words, nil
}
