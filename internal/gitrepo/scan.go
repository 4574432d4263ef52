package gitrepo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

// Tracked is a walrus pointer found in the repository.
type Tracked struct {
	// Path is the worktree path; empty for object database scans.
	Path     string
	ObjectID string
	Pointer  pointer.Pointer
}

type blobRef struct {
	id   string
	path string
}

// ListTracked returns the walrus pointers in the tree at rev, optionally
// restricted to paths. Blobs too large to be pointers and blobs that do not
// decode are skipped.
func (r *Repo) ListTracked(ctx context.Context, rev string, paths ...string) ([]Tracked, error) {
	args := []string{"ls-tree", "-r", "-l", "-z", "--full-tree", rev}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := r.RunInput(ctx, nil, args...)
	if err != nil {
		return nil, err
	}

	var refs []blobRef
	for _, rec := range bytes.Split(out, []byte{0}) {
		if len(rec) == 0 {
			continue
		}
		// <mode> SP <type> SP <object> SP+ <size> TAB <path>
		meta, path, ok := strings.Cut(string(rec), "\t")
		if !ok {
			return nil, fmt.Errorf("ls-tree: malformed record %q", rec)
		}
		fields := strings.Fields(meta)
		if len(fields) != 4 || fields[1] != "blob" {
			continue
		}
		size, err := strconv.Atoi(fields[3])
		if err != nil || size > pointer.MaxSize {
			continue
		}
		refs = append(refs, blobRef{id: fields[2], path: path})
	}

	var tracked []Tracked
	err = r.catBlobs(ctx, refs, func(ref blobRef, data []byte) error {
		if t, ok := decodePointer(ref, data); ok {
			tracked = append(tracked, t)
		}
		return nil
	})
	return tracked, err
}

// ScanPointers calls fn for every walrus pointer blob in the object
// database, reachable or not. Returning an error from fn stops the scan.
func (r *Repo) ScanPointers(ctx context.Context, fn func(Tracked) error) error {
	out, err := r.RunInput(ctx, nil, "cat-file", "--batch-all-objects", "--batch-check=%(objectname) %(objecttype) %(objectsize)")
	if err != nil {
		return err
	}

	var refs []blobRef
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil || size > pointer.MaxSize {
			continue
		}
		refs = append(refs, blobRef{id: fields[0]})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("cat-file: %w", err)
	}

	return r.catBlobs(ctx, refs, func(ref blobRef, data []byte) error {
		if t, ok := decodePointer(ref, data); ok {
			return fn(t)
		}
		return nil
	})
}

func decodePointer(ref blobRef, data []byte) (Tracked, bool) {
	if !pointer.IsPointer(data) {
		return Tracked{}, false
	}
	p, err := pointer.Decode(data)
	if err != nil {
		slog.Debug("skipping undecodable pointer blob", "object", ref.id, "path", ref.path, "error", err)
		return Tracked{}, false
	}
	return Tracked{Path: ref.path, ObjectID: ref.id, Pointer: p}, true
}

// catBlobs streams the content of refs through one `git cat-file --batch`.
func (r *Repo) catBlobs(ctx context.Context, refs []blobRef, fn func(blobRef, []byte) error) (err error) {
	if len(refs) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := r.Command(ctx, "cat-file", "--batch")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	defer func() {
		cancel()
		werr := cmd.Wait()
		if err == nil && werr != nil && ctx.Err() == nil {
			err = &CommandError{Args: []string{"cat-file", "--batch"}, Stderr: strings.TrimSpace(stderr.String()), Err: werr}
		}
	}()

	go func() {
		w := bufio.NewWriter(stdin)
		for _, ref := range refs {
			if _, err := w.WriteString(ref.id + "\n"); err != nil {
				break
			}
		}
		_ = w.Flush()
		_ = stdin.Close()
	}()

	br := bufio.NewReader(stdout)
	for _, ref := range refs {
		header, err := br.ReadString('\n')
		if err != nil {
			return fmt.Errorf("cat-file: read header: %w", err)
		}
		fields := strings.Fields(header)
		if len(fields) == 2 && fields[1] == "missing" {
			continue
		}
		if len(fields) != 3 {
			return fmt.Errorf("cat-file: malformed header %q", strings.TrimSpace(header))
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("cat-file: malformed size in %q", strings.TrimSpace(header))
		}
		data := make([]byte, size+1) // content plus trailing LF
		if _, err := io.ReadFull(br, data); err != nil {
			return fmt.Errorf("cat-file: read %s: %w", fields[0], err)
		}
		if err := fn(ref, data[:size]); err != nil {
			return err
		}
	}
	return nil
}
