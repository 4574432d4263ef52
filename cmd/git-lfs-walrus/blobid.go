package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/cli"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

func newBlobIDCmd() *cobra.Command {
	v := viper.New()
	var rev string
	var short bool

	cmd := &cobra.Command{
		Use:   "walrus-blob-id <path>",
		Short: "Show the Walrus blob behind a tracked path",
		Long: `Show the pointer stored for a path: oid, size, blob id and the epoch
the blob is paid through. The working tree copy is read first when it is
still a pointer, otherwise the path is looked up in --rev.

Examples:
  git-lfs-walrus walrus-blob-id assets/logo.psd
  git-lfs-walrus walrus-blob-id --short assets/logo.psd
  git-lfs-walrus walrus-blob-id --rev v1.2 -o json model.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options("walrus-blob-id")
			opts.RequireRepo = true
			opts.NoBackend = true

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Options: opts,
				Viper:   v,
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					path, p, err := findPointer(ctx, rt, rev, args[0])
					if err != nil {
						return err
					}
					if short {
						_, err := fmt.Fprintln(out.Writer(), p.BlobID)
						return err
					}
					kv := out.KV("blob-id").
						Set("path", path).
						Set("oid", p.OID).
						Set("size", p.Size).
						Set("blob id", p.BlobID).
						Set("epoch", p.Epoch)
					if rt.Index != nil {
						if e, err := rt.Index.Get(ctx, p.OID); err == nil && e.Pointer.Epoch > p.Epoch {
							kv.Set("known epoch", e.Pointer.Epoch)
						}
					}
					return kv.Render()
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	cli.BindOutputFlag(cmd, v)
	cmd.Flags().StringVar(&rev, "rev", "HEAD", "revision to look the path up in")
	cmd.Flags().BoolVar(&short, "short", false, "print only the blob id")
	return cmd
}

// findPointer returns the repository-relative path and pointer for arg.
func findPointer(ctx context.Context, rt *cli.Runtime, rev, arg string) (string, pointer.Pointer, error) {
	top, err := rt.Repo.TopLevel(ctx)
	if err != nil {
		return "", pointer.Pointer{}, err
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", pointer.Pointer{}, err
	}
	rel, err := filepath.Rel(top, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", pointer.Pointer{}, fmt.Errorf("%s is outside the repository", arg)
	}
	rel = filepath.ToSlash(rel)

	if data, err := readHead(abs); err == nil && pointer.IsPointer(data) {
		if p, err := pointer.Decode(data); err == nil {
			return rel, p, nil
		}
	}

	tracked, err := rt.Repo.ListTracked(ctx, rev, rel)
	if err != nil {
		return "", pointer.Pointer{}, err
	}
	for _, tr := range tracked {
		if tr.Path == rel {
			return rel, tr.Pointer, nil
		}
	}
	return "", pointer.Pointer{}, fmt.Errorf("%s is not a walrus pointer at %s: %w", rel, rev, pkgerrors.ErrNotFound)
}

// readHead reads at most one byte more than a pointer can hold.
func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, pointer.MaxSize+1))
}
