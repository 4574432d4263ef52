package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/cli"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/filter"
)

func newFilter(rt *cli.Runtime) (*filter.Filter, error) {
	return filter.New(rt.Backend, filter.Config{
		DefaultEpochs:      rt.Config.DefaultEpochs,
		PassthroughInvalid: rt.Config.Smudge.PassthroughInvalid,
		SpoolDir:           scratchDir(rt, ""),
	},
		filter.WithRecorder(rt.Resolver),
		filter.WithMetrics(rt.Obs.Metrics),
		filter.WithLogger(rt.Log),
	)
}

type filterFunc func(ctx context.Context, f *filter.Filter, r io.Reader, w io.Writer, path string) error

func newFilterCmd(use, short, long string, stores bool, fn filterFunc) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   use + " [path]",
		Short: short,
		Long:  long,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Options: filterOptions(use),
				Viper:   v,
				Run: func(ctx context.Context, rt *cli.Runtime, _ *cli.Output) error {
					f, err := newFilter(rt)
					if err != nil {
						return err
					}
					return fn(ctx, f, cmd.InOrStdin(), cmd.OutOrStdout(), path)
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	if stores {
		cmd.Flags().Uint64("epochs", 0, "epochs to store new blobs for (default lfs.walrus.defaultepochs)")
		_ = v.BindPFlag("default_epochs", cmd.Flags().Lookup("epochs"))
	}
	return cmd
}

func newCleanCmd() *cobra.Command {
	return newFilterCmd("clean", "Store stdin and write its pointer to stdout",
		`Clean filter. Reads file content on stdin, stores it on the backend and
writes the pointer to stdout. Input that already is a pointer is passed
through unchanged. Configured by "git-lfs-walrus install" as

  filter.lfs.clean = git-lfs-walrus clean -- %f`,
		true,
		func(ctx context.Context, f *filter.Filter, r io.Reader, w io.Writer, path string) error {
			_, err := f.Clean(ctx, r, w, path)
			return err
		})
}

func newSmudgeCmd() *cobra.Command {
	return newFilterCmd("smudge", "Read a pointer on stdin and write the content to stdout",
		`Smudge filter. Reads a pointer on stdin, fetches the blob and writes the
verified content to stdout. Nothing is written when the content does not
match the pointer's oid or size. Configured by "git-lfs-walrus install" as

  filter.lfs.smudge = git-lfs-walrus smudge -- %f`,
		false,
		func(ctx context.Context, f *filter.Filter, r io.Reader, w io.Writer, path string) error {
			_, err := f.Smudge(ctx, r, w, path)
			return err
		})
}
