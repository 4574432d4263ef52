package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetString(t *testing.T) {
	config := map[string]string{"key": "value"}

	if got := GetString(config, "key", "default"); got != "value" {
		t.Errorf("GetString = %q, want %q", got, "value")
	}
	if got := GetString(config, "missing", "default"); got != "default" {
		t.Errorf("GetString = %q, want %q", got, "default")
	}
	if got := GetString(map[string]string{"key": ""}, "key", "default"); got != "default" {
		t.Errorf("GetString empty = %q, want %q", got, "default")
	}
}

func TestGetBool(t *testing.T) {
	config := map[string]string{"yes": "YES", "no": "0", "bad": "maybe"}

	if v, err := GetBool(config, "yes", false); err != nil || !v {
		t.Errorf("GetBool yes: got %v, %v", v, err)
	}
	if v, err := GetBool(config, "no", true); err != nil || v {
		t.Errorf("GetBool no: got %v, %v", v, err)
	}
	if v, err := GetBool(config, "missing", true); err != nil || !v {
		t.Errorf("GetBool missing: got %v, %v", v, err)
	}
	if _, err := GetBool(config, "bad", false); err == nil {
		t.Error("GetBool bad: expected error")
	}
}

func TestGetUint64(t *testing.T) {
	config := map[string]string{"epochs": "53", "neg": "-1", "bad": "x"}

	if v, err := GetUint64(config, "epochs", 0); err != nil || v != 53 {
		t.Errorf("GetUint64 = %d, %v", v, err)
	}
	if v, err := GetUint64(config, "missing", 5); err != nil || v != 5 {
		t.Errorf("GetUint64 missing = %d, %v", v, err)
	}
	for _, key := range []string{"neg", "bad"} {
		_, err := GetUint64(config, key, 0)
		var ce *ConfigError
		if !errors.As(err, &ce) || ce.Field != key {
			t.Errorf("GetUint64 %s: got %v, want ConfigError for field", key, err)
		}
	}
}

func TestGetDuration(t *testing.T) {
	config := map[string]string{"dur": "5s", "secs": "10", "bad": "abc"}

	if v, err := GetDuration(config, "dur", 0); err != nil || v != 5*time.Second {
		t.Errorf("GetDuration dur = %v, %v", v, err)
	}
	if v, err := GetDuration(config, "secs", 0); err != nil || v != 10*time.Second {
		t.Errorf("GetDuration secs = %v, %v", v, err)
	}
	if _, err := GetDuration(config, "bad", 0); err == nil {
		t.Error("GetDuration bad: expected error")
	}
}

func TestGetTime(t *testing.T) {
	config := map[string]string{"genesis": "2025-03-01T00:00:00Z", "bad": "yesterday"}

	got, err := GetTime(config, "genesis", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("GetTime = %v", got)
	}
	if _, err := GetTime(config, "bad", time.Time{}); err == nil {
		t.Error("GetTime bad: expected error")
	}
}

func TestGetFileMode(t *testing.T) {
	config := map[string]string{"dir": "0750", "bad": "rwx"}

	if m, err := GetFileMode(config, "dir", 0); err != nil || m != 0o750 {
		t.Errorf("GetFileMode = %o, %v", m, err)
	}
	if m, err := GetFileMode(config, "missing", 0o600); err != nil || m != 0o600 {
		t.Errorf("GetFileMode missing = %o, %v", m, err)
	}
	if _, err := GetFileMode(config, "bad", 0); err == nil {
		t.Error("GetFileMode bad: expected error")
	}
}

func TestExpandPath(t *testing.T) {
	if got := ExpandPath("/absolute/path"); got != "/absolute/path" {
		t.Errorf("ExpandPath absolute = %q", got)
	}
	if got := ExpandPath("relative/path/"); got != "relative/path" {
		t.Errorf("ExpandPath relative = %q", got)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home dir")
	}
	if got, want := ExpandPath("~/subdir/file"), filepath.Join(home, "subdir/file"); got != want {
		t.Errorf("ExpandPath ~/subdir/file = %q, want %q", got, want)
	}
}

func TestExpandGitDir(t *testing.T) {
	tests := []struct {
		path, gitDir, want string
	}{
		{"$GIT_DIR/lfs/walrus/index.db", "/repo/.git", "/repo/.git/lfs/walrus/index.db"},
		{"$GIT_DIR/lfs/walrus/index.db", "", ".git/lfs/walrus/index.db"},
		{"/var/lib/index.db", "/repo/.git", "/var/lib/index.db"},
	}
	for _, tt := range tests {
		if got := ExpandGitDir(tt.path, tt.gitDir); got != tt.want {
			t.Errorf("ExpandGitDir(%q, %q) = %q, want %q", tt.path, tt.gitDir, got, tt.want)
		}
	}
}

func TestMergeConfig(t *testing.T) {
	dst := map[string]string{"a": "1", "b": "2"}
	src := map[string]string{"b": "3", "c": "4"}
	result := MergeConfig(dst, src)

	if result["a"] != "1" || result["b"] != "3" || result["c"] != "4" {
		t.Errorf("MergeConfig = %v", result)
	}
	if dst["b"] != "2" {
		t.Error("MergeConfig modified dst")
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "backend only",
			err:  ConfigError{Backend: "walrus", Message: "failed"},
			want: "walrus: failed",
		},
		{
			name: "field no value",
			err:  ConfigError{Backend: "fs", Field: "path", Message: "cannot be empty"},
			want: "fs: path: cannot be empty",
		},
		{
			name: "field with value",
			err:  ConfigError{Backend: "fs", Field: "compression", Value: "lzma", Message: "unsupported"},
			want: `fs: compression="lzma": unsupported`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	ce := NewConfigErrorWithCause("s3", "bucket", "bucket not accessible", cause)
	if !errors.Is(ce, cause) {
		t.Error("expected to find cause via errors.Is")
	}
	if NewConfigError("s3", "", "no cause").Unwrap() != nil {
		t.Error("expected nil when no cause")
	}
}

func TestWrap(t *testing.T) {
	_, err := GetUint64(map[string]string{"epochs": "x"}, "epochs", 0)
	wrapped := Wrap("badger", err)

	var ce *ConfigError
	if !errors.As(wrapped, &ce) {
		t.Fatalf("Wrap returned %T", wrapped)
	}
	if ce.Backend != "badger" {
		t.Errorf("Backend = %q, want badger", ce.Backend)
	}
	if other := errors.New("plain"); Wrap("badger", other) != other {
		t.Error("Wrap should pass through non-config errors")
	}
}
