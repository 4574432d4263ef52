package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GitDirPlaceholder is expanded by ExpandGitDir to the repository's git directory.
const GitDirPlaceholder = "$GIT_DIR"

// KeyGitDir is the config key the CLI fills with the repository's git
// directory before opening a backend or index.
const KeyGitDir = "git_dir"

// lookup returns the value for key, treating an empty string as unset.
func lookup(config map[string]string, key string) (string, bool) {
	v, ok := config[key]
	return v, ok && v != ""
}

// parse reads key with fn, or returns def when the key is unset. A parse
// failure becomes a ConfigError naming key, the raw value and want.
func parse[T any](config map[string]string, key string, def T, want string, fn func(string) (T, error)) (T, error) {
	v, ok := lookup(config, key)
	if !ok {
		return def, nil
	}
	out, err := fn(v)
	if err != nil {
		var zero T
		return zero, &ConfigError{Field: key, Value: v, Message: "must be " + want, Cause: err}
	}
	return out, nil
}

// GetString returns the value for key, or def when it is unset or empty.
func GetString(config map[string]string, key, def string) string {
	if v, ok := lookup(config, key); ok {
		return v
	}
	return def
}

// GetBool accepts true/false, 1/0 and yes/no in any case.
func GetBool(config map[string]string, key string, def bool) (bool, error) {
	return parse(config, key, def, "a boolean (true/false, 1/0, yes/no)", func(v string) (bool, error) {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, strconv.ErrSyntax
	})
}

func GetInt(config map[string]string, key string, def int) (int, error) {
	return parse(config, key, def, "an integer", strconv.Atoi)
}

func GetInt64(config map[string]string, key string, def int64) (int64, error) {
	return parse(config, key, def, "an integer", func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	})
}

// GetUint64 reads a non-negative count, such as a number of epochs.
func GetUint64(config map[string]string, key string, def uint64) (uint64, error) {
	return parse(config, key, def, "a non-negative integer", func(v string) (uint64, error) {
		return strconv.ParseUint(v, 10, 64)
	})
}

// GetDuration accepts Go durations ("90s", "10m") or bare integers as seconds.
func GetDuration(config map[string]string, key string, def time.Duration) (time.Duration, error) {
	return parse(config, key, def, "a duration (e.g., '5s', '1m30s') or integer seconds", func(v string) (time.Duration, error) {
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs) * time.Second, nil
	})
}

// GetTime reads an RFC 3339 timestamp. Local backends use it to pin the
// epoch clock's genesis.
func GetTime(config map[string]string, key string, def time.Time) (time.Time, error) {
	return parse(config, key, def, "an RFC 3339 timestamp", func(v string) (time.Time, error) {
		return time.Parse(time.RFC3339, v)
	})
}

// GetFileMode reads an octal permission string such as "0700".
func GetFileMode(config map[string]string, key string, def os.FileMode) (os.FileMode, error) {
	return parse(config, key, def, "an octal permission string (e.g. 0700)", func(v string) (os.FileMode, error) {
		m, err := strconv.ParseUint(v, 8, 32)
		return os.FileMode(m), err
	})
}

// ExpandPath expands a leading ~/ to the user's home directory and cleans
// the path.
func ExpandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
		return path
	}
	return filepath.Clean(path)
}

// ExpandGitDir replaces a leading $GIT_DIR in path with gitDir, then applies
// ExpandPath. An empty gitDir leaves the placeholder resolved against ".git".
func ExpandGitDir(path, gitDir string) string {
	if rest, ok := strings.CutPrefix(path, GitDirPlaceholder); ok {
		if gitDir == "" {
			gitDir = ".git"
		}
		return filepath.Join(gitDir, strings.TrimPrefix(rest, "/"))
	}
	return ExpandPath(path)
}

// MergeConfig returns a new map holding dst overlaid with src.
func MergeConfig(dst, src map[string]string) map[string]string {
	out := maps.Clone(dst)
	if out == nil {
		out = make(map[string]string, len(src))
	}
	maps.Copy(out, src)
	return out
}
