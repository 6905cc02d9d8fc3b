// Package shell abstracts command execution for batch-system adapters.
// HTCondor and Slurm are driven through their CLI tools; the Runner
// interface lets those adapters run against a local installation, a
// remote login node over SSH, or a fake in tests.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Runner executes a command and captures its output. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (stdout, stderr string, err error)
	Close() error
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.Code, e.Stderr)
}

// LocalRunner runs commands on the local host.
type LocalRunner struct{}

var _ Runner = (*LocalRunner)(nil)

func (LocalRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return outBuf.String(), errBuf.String(), &ExitError{
				Command: name,
				Code:    exitErr.ExitCode(),
				Stderr:  errBuf.String(),
			}
		}
		return outBuf.String(), errBuf.String(), fmt.Errorf("running %s: %w", name, err)
	}
	return outBuf.String(), errBuf.String(), nil
}

func (LocalRunner) Close() error { return nil }
