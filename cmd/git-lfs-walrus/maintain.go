package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/cli"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/filter"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/internal/reconcile"
	"github.com/gezibash/git-lfs-walrus/internal/selector"
)

// errAttention is returned after the report is printed when objects need
// attention, so scripts can rely on the exit status.
var errAttention = errors.New("objects need attention")

type maintainFlags struct {
	rev            string
	where          string
	verbose        bool
	restoreMissing bool
}

func newCheckCmd() *cobra.Command {
	return newMaintainCmd("walrus-check", true, "Report tracked blobs that are expiring or gone",
		`Query the retention of every blob tracked at a revision (HEAD by default)
and report which are fresh, expiring or missing. Nothing is changed.

Blobs with lfs.walrus.expirythreshold or fewer epochs left are expiring.
The exit status is non-zero when anything is expiring, missing or failed.

Examples:
  git-lfs-walrus walrus-check
  git-lfs-walrus walrus-check assets/ -o json
  git-lfs-walrus walrus-check --where 'size > 100000000 && ext == ".psd"'`)
}

func newRefreshCmd() *cobra.Command {
	return newMaintainCmd("walrus-refresh", false, "Extend tracked blobs that are close to expiry",
		`Extend every tracked blob with lfs.walrus.expirythreshold or fewer epochs
left by lfs.walrus.extendepochs epochs. Blobs sharing content are extended
once. Running it again without epochs elapsing extends nothing.

With --restore-missing, blobs that are gone are stored again from a local
copy (the git-lfs object cache or the working tree) whose hash matches.

Selector variables for --where: path, name, ext, oid, size, blob_id, epoch,
attrs.

Examples:
  git-lfs-walrus walrus-refresh
  git-lfs-walrus walrus-refresh --restore-missing
  git-lfs-walrus walrus-refresh --where 'path.startsWith("models/")'`)
}

func newMaintainCmd(use string, dryRun bool, short, long string) *cobra.Command {
	v := viper.New()
	var flags maintainFlags

	cmd := &cobra.Command{
		Use:   use + " [path...]",
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, paths []string) error {
			sel, err := selector.Compile(flags.where)
			if err != nil {
				return config.Errorf("where", flags.where, "%v", err)
			}
			opts := options(use)
			opts.RequireRepo = true

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Options: opts,
				Viper:   v,
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					return maintain(ctx, rt, out, use, dryRun, flags, sel, paths)
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	cli.BindOutputFlag(cmd, v)
	f := cmd.Flags()
	f.StringVar(&flags.rev, "rev", "HEAD", "revision whose tree is checked")
	f.StringVar(&flags.where, "where", "", "CEL expression selecting pointers")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "list fresh objects too")
	f.Int("concurrency", 0, "maximum concurrent backend operations")
	f.Uint64("threshold", 0, "remaining epochs at or below which a blob is expiring")
	_ = v.BindPFlag("concurrency", f.Lookup("concurrency"))
	_ = v.BindPFlag("expiry_threshold", f.Lookup("threshold"))
	if !dryRun {
		f.BoolVar(&flags.restoreMissing, "restore-missing", false, "store missing blobs again from a verified local copy")
		f.Uint64("extend-epochs", 0, "epochs added to expiring blobs")
		_ = v.BindPFlag("extend_epochs", f.Lookup("extend-epochs"))
	}
	return cmd
}

func maintain(ctx context.Context, rt *cli.Runtime, out *cli.Output, name string, dryRun bool,
	flags maintainFlags, sel *selector.Selector, paths []string) error {
	tracked, err := rt.Repo.ListTracked(ctx, flags.rev, paths...)
	if err != nil {
		return fmt.Errorf("list pointers at %s: %w", flags.rev, err)
	}
	objects := make([]reconcile.Object, 0, len(tracked))
	for _, tr := range tracked {
		if sel.Match(tr.Pointer, tr.Path) {
			objects = append(objects, reconcile.Object{Pointer: tr.Pointer, Path: tr.Path})
		}
	}
	rt.Log.Info("reconciling", "tracked", len(tracked), "selected", len(objects), "selector", sel.String())

	cfg := rt.Config
	opts := []reconcile.Option{
		reconcile.WithMetrics(rt.Obs.Metrics),
		reconcile.WithLogger(rt.Log),
		reconcile.OnUpdate(func(ctx context.Context, _, updated pointer.Pointer, paths []string) {
			for _, p := range paths {
				rt.Resolver.Remember(ctx, updated, p)
			}
		}),
	}
	if flags.restoreMissing {
		opts = append(opts, reconcile.WithMissingHandler(restorer(rt)))
	}
	rec, err := reconcile.New(rt.Backend, reconcile.Config{
		Threshold:    &cfg.ExpiryThreshold,
		ExtendEpochs: cfg.ExtendEpochs,
		Concurrency:  cfg.Concurrency,
		DryRun:       dryRun,
		Retry:        cfg.RetryPolicy(),
	}, opts...)
	if err != nil {
		return err
	}

	report, err := rec.Run(ctx, objects)
	if err != nil {
		return err
	}
	if err := out.Report(name, report, dryRun, flags.verbose).Render(); err != nil {
		return err
	}

	pending := len(report.Missing) + len(report.Failed)
	if dryRun {
		pending += len(report.Expiring)
	}
	if pending > 0 {
		return fmt.Errorf("%w: %d of %d", errAttention, pending, report.Total())
	}
	return nil
}

// restorer stores a missing blob again from the first local copy whose
// content matches the pointer: the git-lfs object cache, then the working
// tree paths the pointer is tracked at.
func restorer(rt *cli.Runtime) reconcile.MissingHandler {
	top, err := rt.Repo.TopLevel(context.Background())
	if err != nil {
		rt.Log.WithError(err).Warn("working tree unavailable for restores")
	}
	return func(ctx context.Context, item reconcile.Item) (pointer.Pointer, error) {
		p := item.Pointer
		candidates := []string{lfsObjectPath(rt.GitDir, p.OID)}
		if top != "" {
			for _, path := range item.Paths {
				candidates = append(candidates, filepath.Join(top, filepath.FromSlash(path)))
			}
		}

		log := rt.Log.WithOID(p.OID)
		for _, c := range candidates {
			if err := filter.VerifyFile(c, p.OID, p.Size); err != nil {
				log.Debug("restore candidate rejected", "file", c, "error", err)
				continue
			}
			f, err := os.Open(c)
			if err != nil {
				return pointer.Pointer{}, err
			}
			stored, err := rt.Backend.Store(ctx, f, rt.Config.DefaultEpochs)
			_ = f.Close()
			if err != nil {
				return pointer.Pointer{}, err
			}
			if stored.Size != p.Size {
				return pointer.Pointer{}, backend.Errorf("store", stored.BlobID, backend.CorruptResponse,
					"stored %d bytes, want %d", stored.Size, p.Size)
			}
			log.Info("restored", "file", c, "blob_id", stored.BlobID, "epoch", stored.Epoch)
			return p.WithBlob(stored.BlobID, stored.Epoch), nil
		}
		return pointer.Pointer{}, reconcile.ErrNoSource
	}
}
