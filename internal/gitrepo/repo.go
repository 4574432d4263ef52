// Package gitrepo provides typed access to the git CLI for the host
// repository: configuration, git dir discovery, and pointer scans over trees
// and over the whole object database.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Repo targets one working tree. All commands run as "git -C <dir>".
type Repo struct {
	dir string
	git string
}

// Open returns a Repo for dir. An empty dir means the current directory.
func Open(dir string) *Repo {
	if dir == "" {
		dir = "."
	}
	return &Repo{dir: dir, git: "git"}
}

// Dir returns the directory commands run in.
func (r *Repo) Dir() string { return r.dir }

// CommandError is a failed git invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Run executes a git command and returns stdout. Stderr is captured
// separately and included in the error on failure.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	out, err := r.RunInput(ctx, nil, args...)
	return string(out), err
}

// RunInput is Run with stdin.
func (r *Repo) RunInput(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := r.Command(ctx, args...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		ce := &CommandError{Args: args, ExitCode: -1, Stderr: strings.TrimSpace(stderr.String()), Err: err}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			ce.ExitCode = ee.ExitCode()
		}
		return nil, ce
	}
	return stdout.Bytes(), nil
}

// Command returns an *exec.Cmd for a git command without running it.
func (r *Repo) Command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", r.dir}, args...)
	return exec.CommandContext(ctx, r.git, full...)
}

// GitDir returns the absolute path of the repository's git directory.
func (r *Repo) GitDir(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TopLevel returns the absolute path of the working tree root.
func (r *Repo) TopLevel(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Show returns the content of path at rev.
func (r *Repo) Show(ctx context.Context, rev, path string) ([]byte, error) {
	return r.RunInput(ctx, nil, "show", rev+":"+path)
}
