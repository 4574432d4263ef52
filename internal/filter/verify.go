package filter

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

// Verify checks data against p: size first, then sha256.
func Verify(p pointer.Pointer, data []byte) error {
	if int64(len(data)) != p.Size {
		return &IntegrityError{
			OID: p.OID, BlobID: p.BlobID, Field: "size",
			Want: strconv.FormatInt(p.Size, 10), Got: strconv.Itoa(len(data)),
		}
	}
	sum := sha256.Sum256(data)
	if got := pointer.OIDFromDigest(sum[:]); got != p.OID {
		return &IntegrityError{OID: p.OID, BlobID: p.BlobID, Field: "oid", Want: p.OID, Got: got}
	}
	return nil
}

// Digest hashes r in one pass and returns its oid and size.
func Digest(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return pointer.OIDFromDigest(h.Sum(nil)), n, nil
}

// Match compares a computed digest and size with the expected ones.
func Match(oid string, size int64, gotOID string, gotSize int64) error {
	if gotSize != size {
		return &IntegrityError{OID: oid, Field: "size", Want: strconv.FormatInt(size, 10), Got: strconv.FormatInt(gotSize, 10)}
	}
	if gotOID != oid {
		return &IntegrityError{OID: oid, Field: "oid", Want: oid, Got: gotOID}
	}
	return nil
}

// VerifyFile checks that the file at path has the given oid and size.
func VerifyFile(path, oid string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	got, n, err := Digest(f)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	return Match(oid, size, got, n)
}
