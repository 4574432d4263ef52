package main

import (
	"os"
	"path/filepath"

	"github.com/gezibash/git-lfs-walrus/internal/cli"
)

func options(name string) cli.Options {
	return cli.Options{
		Name:     name,
		Defaults: map[string]any{"observability.service_version": version},
	}
}

// filterOptions keeps git's output clean: filters only log warnings unless
// asked otherwise.
func filterOptions(name string) cli.Options {
	opts := options(name)
	opts.Defaults["observability.log_level"] = "warn"
	return opts
}

// scratchDir returns a directory under the git dir for spooled and
// downloaded objects, so files can be renamed into .git/lfs without crossing
// filesystems. Outside a repository it returns "" (the system temp dir).
func scratchDir(rt *cli.Runtime, configured string) string {
	if configured != "" {
		return configured
	}
	if rt.GitDir == "" {
		return ""
	}
	dir := filepath.Join(rt.GitDir, "lfs", "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		rt.Log.WithError(err).Warn("using system temp dir", "dir", dir)
		return ""
	}
	return dir
}

// lfsObjectPath is where git-lfs keeps the local copy of oid.
func lfsObjectPath(gitDir, oid string) string {
	return filepath.Join(gitDir, "lfs", "objects", oid[0:2], oid[2:4], oid)
}
