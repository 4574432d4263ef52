package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Spool is a temporary file holding content whose sha256 and size were
// computed while it was written.
type Spool struct {
	f    *os.File
	Size int64
	Sum  [sha256.Size]byte
}

// NewSpool copies r into a temporary file in dir (os.TempDir when empty),
// hashing and counting in the same pass.
func NewSpool(r io.Reader, dir string) (*Spool, error) {
	f, err := os.CreateTemp(dir, "git-lfs-walrus-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("spool content: %w", err)
	}
	s := &Spool{f: f, Size: n}
	copy(s.Sum[:], h.Sum(nil))
	return s, nil
}

// OID returns the hex digest of the spooled content.
func (s *Spool) OID() string {
	return hex.EncodeToString(s.Sum[:])
}

// Path returns the spool file's path.
func (s *Spool) Path() string {
	return s.f.Name()
}

// File rewinds the spool and returns the underlying file for reading.
func (s *Spool) File() (*os.File, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}
	return s.f, nil
}

// Close removes the spool file.
func (s *Spool) Close() error {
	cerr := s.f.Close()
	rerr := os.Remove(s.f.Name())
	if cerr != nil {
		return cerr
	}
	if rerr != nil && !os.IsNotExist(rerr) {
		return rerr
	}
	return nil
}
