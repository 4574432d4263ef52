package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/filter"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

func TestRunCommand(t *testing.T) {
	isolate(t)
	v := memoryViper()
	v.Set("output", "json")

	var stdout bytes.Buffer
	ran := false
	err := RunCommand(context.Background(), CommandConfig{
		Options: Options{Name: "test", Dir: t.TempDir(), LogWriter: &bytes.Buffer{}},
		Viper:   v,
		Stdout:  &stdout,
		Run: func(ctx context.Context, rt *Runtime, out *Output) error {
			ran = true
			if out.Format() != FormatJSON {
				t.Errorf("format = %q", out.Format())
			}
			return out.KV("probe").Set("backend", rt.Config.Backend).Render()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("Run not called")
	}
	if !json.Valid(stdout.Bytes()) || !strings.Contains(stdout.String(), `"backend": "memory"`) {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestRunCommandTimeout(t *testing.T) {
	isolate(t)
	err := RunCommand(context.Background(), CommandConfig{
		Options: Options{Name: "test", Dir: t.TempDir(), LogWriter: &bytes.Buffer{}},
		Viper:   memoryViper(),
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context, _ *Runtime, _ *Output) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestRunCommandValidation(t *testing.T) {
	run := func(context.Context, *Runtime, *Output) error { return nil }
	tests := []struct {
		name string
		cfg  CommandConfig
	}{
		{"no viper", CommandConfig{Options: Options{Name: "x"}, Run: run}},
		{"no run", CommandConfig{Options: Options{Name: "x"}, Viper: memoryViper()}},
		{"no name", CommandConfig{Viper: memoryViper(), Run: run}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := RunCommand(context.Background(), tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBindOutputFlag(t *testing.T) {
	v := memoryViper()
	cmd := &cobra.Command{Use: "x"}
	BindOutputFlag(cmd, v)
	if err := cmd.Flags().Parse([]string{"-o", "markdown"}); err != nil {
		t.Fatal(err)
	}
	if got := ParseFormat(v.GetString("output")); got != FormatMarkdown {
		t.Fatalf("format = %q", got)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&filter.IntegrityError{Field: "oid"}, "integrity"},
		{&pointer.ParseError{Field: "oid"}, "invalid_pointer"},
		{context.Canceled, "canceled"},
		{backend.NewError("fetch", "B1", backend.NotFound, nil), "not_found"},
		{errors.New("boom"), "failure"},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
