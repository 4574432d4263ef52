package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/cli"
	"github.com/gezibash/git-lfs-walrus/internal/gitrepo"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/internal/selector"
)

type testEnv struct {
	repo *gitrepo.Repo
	rt   *cli.Runtime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(t.TempDir(), "gitconfig"))
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	ctx := context.Background()
	repo := gitrepo.Open(t.TempDir())
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
	} {
		if _, err := repo.Run(ctx, args...); err != nil {
			t.Fatal(err)
		}
	}

	v := viper.New()
	v.Set("backend", "memory")
	v.Set("index.backend", "memory")
	v.Set("retry.max_attempts", 1)
	rt, err := cli.Build(ctx, v, cli.Options{Name: "test", Dir: repo.Dir(), RequireRepo: true, LogWriter: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return &testEnv{repo: repo, rt: rt}
}

func (e *testEnv) write(t *testing.T, rel string, data []byte) {
	t.Helper()
	path := filepath.Join(e.repo.Dir(), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) commit(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.repo.Run(ctx, "add", "-A"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.repo.Run(ctx, "commit", "-q", "-m", "test"); err != nil {
		t.Fatal(err)
	}
}

// track stores content for the given epochs and commits its pointer at rel.
func (e *testEnv) track(t *testing.T, rel, content string, epochs uint64) pointer.Pointer {
	t.Helper()
	stored, err := e.rt.Backend.Store(context.Background(), strings.NewReader(content), epochs)
	if err != nil {
		t.Fatal(err)
	}
	p := pointer.New(oidOf(content), int64(len(content)), stored.BlobID, stored.Epoch)
	e.write(t, rel, pointer.Encode(p))
	return p
}

func oidOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return pointer.OIDFromDigest(sum[:])
}

func (e *testEnv) maintain(t *testing.T, dryRun bool, flags maintainFlags, where string, paths ...string) (string, error) {
	t.Helper()
	if flags.rev == "" {
		flags.rev = "HEAD"
	}
	sel, err := selector.Compile(where)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	err = maintain(context.Background(), e.rt, cli.NewOutput(cli.FormatJSON, &buf), "test", dryRun, flags, sel, paths)
	return buf.String(), err
}

func TestCheckThenRefresh(t *testing.T) {
	env := newTestEnv(t)
	short := env.track(t, "a.bin", "short lived", 2)
	env.track(t, "b.bin", "long lived", 200)
	env.write(t, "copy/a.bin", pointer.Encode(short))
	env.commit(t)

	out, err := env.maintain(t, true, maintainFlags{}, "")
	if !errors.Is(err, errAttention) {
		t.Fatalf("check: got %v, want errAttention\n%s", err, out)
	}
	if !strings.Contains(out, `"expiring": 1`) || !strings.Contains(out, `"fresh": 1`) {
		t.Fatalf("unexpected check report:\n%s", out)
	}

	out, err = env.maintain(t, false, maintainFlags{}, "")
	if err != nil {
		t.Fatalf("refresh: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"extended": 1`) {
		t.Fatalf("expected one extension for the shared oid:\n%s", out)
	}

	entry, err := env.rt.Index.Get(context.Background(), short.OID)
	if err != nil {
		t.Fatalf("index not updated: %v", err)
	}
	if entry.Pointer.Epoch <= short.Epoch {
		t.Fatalf("index epoch %d not past %d", entry.Pointer.Epoch, short.Epoch)
	}

	out, err = env.maintain(t, false, maintainFlags{}, "")
	if err != nil || !strings.Contains(out, `"extended": 0`) || !strings.Contains(out, `"fresh": 2`) {
		t.Fatalf("second refresh not idempotent: %v\n%s", err, out)
	}
}

func TestRefreshSelector(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "models/a.bin", "model", 2)
	env.track(t, "docs/b.pdf", "doc", 2)
	env.commit(t)

	out, err := env.maintain(t, false, maintainFlags{}, `path.startsWith("models/")`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"objects": 1`) || !strings.Contains(out, "models/a.bin") {
		t.Fatalf("selector not applied:\n%s", out)
	}

	out, err = env.maintain(t, true, maintainFlags{}, "", "docs")
	if !errors.Is(err, errAttention) || !strings.Contains(out, `"objects": 1`) {
		t.Fatalf("path filter not applied: %v\n%s", err, out)
	}
}

func TestRestoreMissing(t *testing.T) {
	env := newTestEnv(t)
	content := "restore me"
	oid := oidOf(content)
	gone := pointer.New(oid, int64(len(content)), "gone-blob", 10)
	env.write(t, "lost.bin", pointer.Encode(gone))
	env.commit(t)

	out, err := env.maintain(t, false, maintainFlags{}, "")
	if !errors.Is(err, errAttention) || !strings.Contains(out, `"missing": 1`) {
		t.Fatalf("expected missing without --restore-missing: %v\n%s", err, out)
	}

	out, err = env.maintain(t, false, maintainFlags{restoreMissing: true}, "")
	if !errors.Is(err, errAttention) || !strings.Contains(out, `"missing": 1`) {
		t.Fatalf("expected missing with no local copy: %v\n%s", err, out)
	}

	cache := lfsObjectPath(env.rt.GitDir, oid)
	if err := os.MkdirAll(filepath.Dir(cache), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cache, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = env.maintain(t, false, maintainFlags{restoreMissing: true}, "")
	if err != nil || !strings.Contains(out, `"restored": 1`) {
		t.Fatalf("restore from object cache: %v\n%s", err, out)
	}

	entry, err := env.rt.Index.Get(context.Background(), oid)
	if err != nil || entry.Pointer.BlobID == "gone-blob" {
		t.Fatalf("restored pointer not indexed: %+v %v", entry, err)
	}
	data, err := env.rt.Backend.Fetch(context.Background(), entry.Pointer.BlobID)
	if err != nil || string(data) != content {
		t.Fatalf("restored blob = %q %v", data, err)
	}
}

func TestRestoreRejectsMismatchedCopy(t *testing.T) {
	env := newTestEnv(t)
	oid := oidOf("original")
	env.write(t, "x.bin", pointer.Encode(pointer.New(oid, 8, "gone-blob", 10)))
	env.commit(t)

	cache := lfsObjectPath(env.rt.GitDir, oid)
	if err := os.MkdirAll(filepath.Dir(cache), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cache, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := env.maintain(t, false, maintainFlags{restoreMissing: true}, "")
	if !errors.Is(err, errAttention) || !strings.Contains(out, `"missing": 1`) {
		t.Fatalf("tampered copy must not be restored: %v\n%s", err, out)
	}
}

func TestFindPointer(t *testing.T) {
	env := newTestEnv(t)
	committed := env.track(t, "assets/logo.psd", "logo", 20)
	env.commit(t)
	ctx := context.Background()
	t.Chdir(env.repo.Dir())

	rel, p, err := findPointer(ctx, env.rt, "HEAD", "assets/logo.psd")
	if err != nil || rel != "assets/logo.psd" || p.BlobID != committed.BlobID {
		t.Fatalf("worktree lookup = %q %+v %v", rel, p, err)
	}

	// A smudged working tree copy falls back to the committed pointer.
	env.write(t, "assets/logo.psd", []byte("logo"))
	_, p, err = findPointer(ctx, env.rt, "HEAD", "assets/logo.psd")
	if err != nil || p.OID != committed.OID {
		t.Fatalf("rev lookup = %+v %v", p, err)
	}

	if _, _, err := findPointer(ctx, env.rt, "HEAD", "missing.bin"); err == nil {
		t.Fatal("expected error for untracked path")
	}
	if _, _, err := findPointer(ctx, env.rt, "HEAD", filepath.Join("..", "outside")); err == nil {
		t.Fatal("expected error for path outside the repository")
	}
}

func TestInstallSettings(t *testing.T) {
	got := map[string]string{}
	for _, s := range installSettings("/usr/local/bin/git-lfs-walrus") {
		got[s.key] = s.value
	}
	want := map[string]string{
		"filter.lfs.clean":               "/usr/local/bin/git-lfs-walrus clean -- %f",
		"filter.lfs.smudge":              "/usr/local/bin/git-lfs-walrus smudge -- %f",
		"lfs.customtransfer.walrus.path": "/usr/local/bin/git-lfs-walrus",
		"lfs.customtransfer.walrus.args": "transfer",
		"lfs.standalonetransferagent":    "walrus",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestFormatDefaults(t *testing.T) {
	if got := formatDefaults(map[string]string{"b": "2", "a": "1"}); got != "a=1 b=2" {
		t.Fatalf("formatDefaults = %q", got)
	}
}
