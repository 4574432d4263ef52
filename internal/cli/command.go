package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/filter"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

// CommandConfig configures one command run.
type CommandConfig struct {
	Options

	Viper *viper.Viper

	// Timeout bounds the whole command. Zero means no limit.
	Timeout time.Duration

	// Stdout receives rendered results. Defaults to os.Stdout.
	Stdout io.Writer

	Run func(ctx context.Context, rt *Runtime, out *Output) error
}

// RunCommand builds the runtime, applies the timeout, runs cfg.Run and
// always closes the runtime afterwards.
func RunCommand(ctx context.Context, cfg CommandConfig) (err error) {
	if cfg.Viper == nil {
		return fmt.Errorf("viper required")
	}
	if cfg.Run == nil {
		return fmt.Errorf("run function required")
	}

	rt, err := Build(ctx, cfg.Viper, cfg.Options)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	out := NewOutput(ParseFormat(cfg.Viper.GetString("output")), stdout)

	err = cfg.Run(ctx, rt, out)
	if err != nil {
		rt.Log.WithError(err).Debug("command failed", "kind", errorKind(err))
	}
	return err
}

// BindOutputFlag adds --output/-o to cmd.
func BindOutputFlag(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().StringP("output", "o", string(FormatText), "output format (text, json, markdown)")
	_ = v.BindPFlag("output", cmd.Flags().Lookup("output"))
}

// errorKind names the failure class of err for reports and logs.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case filter.IsIntegrityError(err):
		return "integrity"
	case pointer.IsParseError(err):
		return "invalid_pointer"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return backend.KindOf(err).String()
	}
}
