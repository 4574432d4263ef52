package walrus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one `walrus json` invocation: input is written to the
// process's stdin and its stdout is returned. A non-zero exit is reported as
// *ExitError carrying stderr.
type Runner interface {
	Run(ctx context.Context, input []byte) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, input []byte) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

// ExitError is a failed CLI invocation.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("walrus exited with status %d", e.Code)
	}
	return fmt.Sprintf("walrus exited with status %d: %s", e.Code, firstLine(e.Stderr))
}

// ExecRunner runs the walrus binary at Path.
type ExecRunner struct {
	Path string
	// Env, when set, replaces the child's environment.
	Env []string
}

func (r *ExecRunner) Run(ctx context.Context, input []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Path, "json")
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.Env != nil {
		cmd.Env = r.Env
	}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, &ExitError{Code: ee.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil, fmt.Errorf("run %s: %w", r.Path, err)
	}
	return stdout.Bytes(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
