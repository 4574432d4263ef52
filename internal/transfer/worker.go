package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/filter"
	"github.com/gezibash/git-lfs-walrus/internal/observability"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	pkgerrors "github.com/gezibash/git-lfs-walrus/pkg/errors"
)

const writeChunk = 64 * 1024

// upload verifies the local object against the request, stores it and
// records the resulting pointer.
func (s *session) upload(ctx context.Context, req Request) (_ Complete, err error) {
	op, ctx := observability.StartOperation(ctx, s.agent.metrics, "transfer.upload",
		attribute.String("oid", req.OID), attribute.Int64("size", req.Size))
	defer func() { op.End(err) }()

	f, err := os.Open(req.Path)
	if err != nil {
		return Complete{}, fmt.Errorf("upload %s: %w", req.OID, err)
	}
	defer f.Close()

	got, n, err := filter.Digest(f)
	if err != nil {
		return Complete{}, fmt.Errorf("upload %s: hash %s: %w", req.OID, req.Path, err)
	}
	if err := filter.Match(req.OID, req.Size, got, n); err != nil {
		op.Error("integrity")
		return Complete{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Complete{}, fmt.Errorf("upload %s: rewind: %w", req.OID, err)
	}

	stored, err := s.agent.backend.Store(ctx, f, s.agent.cfg.DefaultEpochs)
	if err != nil {
		return Complete{}, err
	}
	if stored.Size != 0 && stored.Size != req.Size {
		return Complete{}, backend.Errorf("store", stored.BlobID, backend.CorruptResponse,
			"backend reports %d bytes stored, uploaded %d", stored.Size, req.Size)
	}
	op.Bytes("out", req.Size)

	p := pointer.New(req.OID, req.Size, stored.BlobID, stored.Epoch)
	if s.agent.resolver != nil {
		s.agent.resolver.Remember(ctx, p, "")
	}
	s.out.send(Progress{Event: EventProgress, OID: req.OID, BytesSoFar: req.Size, BytesSinceLast: req.Size})
	s.log.WithOID(req.OID).WithBlobID(stored.BlobID).Info("uploaded object",
		"size", req.Size, "epoch", stored.Epoch, "already_certified", stored.AlreadyCertified)

	return Complete{Event: EventComplete, OID: req.OID, BlobID: stored.BlobID, Epoch: stored.Epoch}, nil
}

// download resolves the pointer for the requested oid, fetches and verifies
// its content and writes it to disk.
func (s *session) download(ctx context.Context, req Request) (_ Complete, err error) {
	op, ctx := observability.StartOperation(ctx, s.agent.metrics, "transfer.download",
		attribute.String("oid", req.OID), attribute.Int64("size", req.Size))
	defer func() { op.End(err) }()

	if s.agent.resolver == nil {
		return Complete{}, fmt.Errorf("download %s: no pointer source: %w", req.OID, pkgerrors.ErrNotFound)
	}
	p, err := s.agent.resolver.Resolve(ctx, req.OID)
	if err != nil {
		return Complete{}, err
	}
	if req.Size != 0 && p.Size != req.Size {
		op.Error("integrity")
		return Complete{}, filter.Match(req.OID, req.Size, p.OID, p.Size)
	}

	data, err := s.agent.backend.Fetch(ctx, p.BlobID)
	if err != nil {
		return Complete{}, err
	}
	if err := filter.Verify(p, data); err != nil {
		op.Error("integrity")
		return Complete{}, err
	}
	op.Bytes("in", int64(len(data)))

	path, err := s.writeObject(ctx, req, data)
	if err != nil {
		return Complete{}, fmt.Errorf("download %s: %w", req.OID, err)
	}
	return Complete{Event: EventComplete, OID: req.OID, Path: path}, nil
}

// writeObject writes data to the request's path, or to a new file in the
// download directory, sending throttled progress events. A partial file is
// removed on failure.
func (s *session) writeObject(ctx context.Context, req Request, data []byte) (path string, err error) {
	var f *os.File
	if req.Path != "" {
		if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
			return "", err
		}
		f, err = os.OpenFile(req.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	} else {
		dir := s.agent.cfg.DownloadDir
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
		}
		f, err = os.CreateTemp(dir, "walrus-"+req.OID[:12]+"-*")
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	interval := s.agent.cfg.ProgressInterval
	var written, reported int64
	last := time.Now()
	for written < int64(len(data)) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := min(written+writeChunk, int64(len(data)))
		n, err := f.Write(data[written:end])
		written += int64(n)
		if err != nil {
			return "", err
		}
		if now := time.Now(); now.Sub(last) >= interval && written < int64(len(data)) {
			s.out.send(Progress{Event: EventProgress, OID: req.OID, BytesSoFar: written, BytesSinceLast: written - reported})
			reported, last = written, now
		}
	}
	s.out.send(Progress{Event: EventProgress, OID: req.OID, BytesSoFar: written, BytesSinceLast: written - reported})
	return f.Name(), nil
}
