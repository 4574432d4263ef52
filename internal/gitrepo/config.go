package gitrepo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
)

// Scope selects which git config file a write goes to.
type Scope string

const (
	ScopeLocal  Scope = "--local"
	ScopeGlobal Scope = "--global"
	ScopeSystem Scope = "--system"
)

// ConfigGet returns the value of key. ok is false when the key is unset.
func (r *Repo) ConfigGet(ctx context.Context, key string) (value string, ok bool, err error) {
	out, err := r.Run(ctx, "config", "--get", key)
	if err != nil {
		if unset(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimRight(out, "\n"), true, nil
}

// ConfigSet writes key=value in scope.
func (r *Repo) ConfigSet(ctx context.Context, scope Scope, key, value string) error {
	_, err := r.Run(ctx, "config", string(scope), key, value)
	return err
}

// ConfigUnset removes key from scope. Removing an unset key is not an error.
func (r *Repo) ConfigUnset(ctx context.Context, scope Scope, key string) error {
	_, err := r.Run(ctx, "config", string(scope), "--unset-all", key)
	var ce *CommandError
	if errors.As(err, &ce) && ce.ExitCode == 5 {
		return nil
	}
	return err
}

// ConfigSection returns every key under section (for example "lfs.walrus"),
// keyed by the lowercased name without the section prefix. When a key is set
// more than once the last value wins, matching git's own lookup.
func (r *Repo) ConfigSection(ctx context.Context, section string) (map[string]string, error) {
	prefix := strings.ToLower(section) + "."
	out, err := r.Run(ctx, "config", "--null", "--get-regexp", "^"+regexpQuote(prefix))
	if err != nil {
		if unset(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	values := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Split(splitNull)
	for sc.Scan() {
		key, value, _ := strings.Cut(sc.Text(), "\n")
		key = strings.ToLower(key)
		if name, ok := strings.CutPrefix(key, prefix); ok {
			values[name] = value
		}
	}
	return values, sc.Err()
}

// unset reports whether err is git config's "key not found" exit.
func unset(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.ExitCode == 1 && ce.Stderr == ""
}

func regexpQuote(s string) string {
	return strings.ReplaceAll(s, ".", `\.`)
}

func splitNull(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
