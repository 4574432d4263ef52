// Package cli provides the plumbing shared by the git-lfs-walrus commands:
// configuration loading, runtime construction and result rendering.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/gitrepo"
	"github.com/gezibash/git-lfs-walrus/internal/lookup"
	"github.com/gezibash/git-lfs-walrus/internal/observability"
	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
	"github.com/gezibash/git-lfs-walrus/pkg/logging"
)

// GitConfigSection is the git config section read for settings.
const GitConfigSection = "lfs.walrus"

// IndexDisabled turns the pointer index off when used as index backend.
const IndexDisabled = "none"

// ErrNotARepository is returned when a command needs a repository and the
// working directory is not inside one.
var ErrNotARepository = errors.New("not a git repository")

// Runtime is everything a command needs once configuration is loaded.
type Runtime struct {
	Config config.Config
	Obs    *observability.Observability
	Log    *logging.Logger

	// Repo and GitDir are nil and empty outside a repository.
	Repo   *gitrepo.Repo
	GitDir string

	// Backend is nil when the command was built with NoBackend.
	Backend *backend.Client
	// Index is nil when disabled or when it could not be opened.
	Index    pointerindex.Store
	Resolver *lookup.Resolver

	closers []func() error
}

// Options controls which parts of the runtime are built.
type Options struct {
	Name string
	// Dir is the directory git commands run in. Empty means the current one.
	Dir         string
	RequireRepo bool
	NoBackend   bool
	NoIndex     bool
	// ServeMetrics starts the metrics endpoint when metrics_addr is set.
	ServeMetrics bool
	// Defaults override the built-in defaults before git config is layered.
	Defaults map[string]any
	// LogWriter receives logs. Stdout is never used because filters and the
	// transfer agent speak on it.
	LogWriter io.Writer
}

// Build loads configuration from git config, config files, the environment
// and bound flags, then opens the backend and the pointer index.
func Build(ctx context.Context, v *viper.Viper, opts Options) (*Runtime, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("command name required")
	}
	rt := &Runtime{}

	repo := gitrepo.Open(opts.Dir)
	if gitDir, err := repo.GitDir(ctx); err == nil {
		rt.Repo, rt.GitDir = repo, gitDir
	} else if opts.RequireRepo {
		return nil, fmt.Errorf("%w: %v", ErrNotARepository, err)
	}

	config.SetDefaults(v)
	for k, val := range opts.Defaults {
		v.SetDefault(k, val)
	}

	var unknown []string
	if rt.Repo != nil {
		section, err := rt.Repo.ConfigSection(ctx, GitConfigSection)
		if err != nil {
			return nil, fmt.Errorf("read git config: %w", err)
		}
		unknown = config.ApplyGitConfig(v, section)
	}

	if err := config.LoadInto(v, config.EnvPrefix, v.GetString("config_file"), &rt.Config, config.ConfigPaths()...); err != nil {
		return nil, err
	}
	if err := rt.Config.Validate(); err != nil {
		return nil, err
	}

	if opts.LogWriter == nil {
		opts.LogWriter = os.Stderr
	}
	oc := rt.Config.ObsConfig()
	oc.Backend = rt.Config.Backend
	obs, err := observability.New(ctx, oc, opts.LogWriter)
	if err != nil {
		return nil, err
	}
	rt.Obs = obs
	rt.Log = logging.New(obs.Logger).WithComponent(opts.Name)
	for _, k := range unknown {
		rt.Log.Warn("ignoring unknown git config key", "key", GitConfigSection+"."+k)
	}
	rt.Log.Debug("configuration loaded", "config", rt.Config.String(), "git_dir", rt.GitDir)

	if opts.ServeMetrics && rt.Config.Observability.MetricsAddr != "" {
		if _, err := obs.ServeMetrics(ctx, rt.Config.Observability.MetricsAddr); err != nil {
			rt.Log.WithError(err).Warn("metrics endpoint disabled")
		}
	}

	if !opts.NoBackend {
		if err := rt.openBackend(ctx, opts.Name); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	if !opts.NoIndex {
		rt.openIndex(ctx)
	}

	var scanner lookup.Scanner
	if rt.Repo != nil {
		scanner = rt.Repo
	}
	rt.Resolver = lookup.New(rt.Index, scanner, lookup.WithLogger(rt.Log))
	return rt, nil
}

func (rt *Runtime) withGitDir(opts map[string]string) map[string]string {
	if opts == nil {
		opts = make(map[string]string)
	}
	if rt.GitDir != "" {
		opts[storage.KeyGitDir] = rt.GitDir
	}
	return opts
}

func (rt *Runtime) openBackend(ctx context.Context, name string) error {
	cfg := rt.Config
	b, err := backend.Open(ctx, cfg.Backend, rt.withGitDir(cfg.BackendOptions()))
	if err != nil {
		return err
	}
	rt.Backend = backend.NewClient(b,
		backend.WithTimeout(cfg.BackendTimeout),
		backend.WithMetrics(rt.Obs.Metrics),
		backend.WithName(name),
	)
	rt.OnClose(rt.Backend.Close)
	return nil
}

// openIndex opens the configured pointer index. The index is a cache, so a
// failure only costs a history scan later and is logged rather than returned.
func (rt *Runtime) openIndex(ctx context.Context) {
	name := rt.Config.Index.Backend
	if name == "" || name == IndexDisabled {
		return
	}
	if rt.GitDir == "" && !hasExplicitPath(rt.Config.Index.Config) && usesGitDir(name) {
		rt.Log.Debug("pointer index skipped outside a repository", "index", name)
		return
	}
	idx, err := pointerindex.Open(ctx, name, rt.withGitDir(rt.Config.IndexOptions()), rt.Obs.Metrics)
	if err != nil {
		rt.Log.WithError(err).Warn("pointer index unavailable", "index", name)
		return
	}
	rt.Index = idx
	rt.OnClose(idx.Close)
}

// usesGitDir reports whether the index's default location is inside the
// git directory.
func usesGitDir(index string) bool {
	return strings.HasPrefix(pointerindex.GetDefaults(index)["path"], storage.GitDirPlaceholder)
}

func hasExplicitPath(cfg map[string]string) bool {
	return cfg["path"] != ""
}

// OnClose registers cleanup. Close runs cleanups in reverse order.
func (rt *Runtime) OnClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases the backend and index, then flushes observability.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.Obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Obs.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
