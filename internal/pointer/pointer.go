// Package pointer encodes and decodes the git-lfs pointer files that stand in
// for walrus-stored objects in the host repository.
//
// A pointer is a short LF-terminated text file:
//
//	version https://git-lfs.github.com/spec/v1
//	ext-0-walrus blobId:<id> epoch:<n>
//	oid sha256:<hex64>
//	size <decimal>
//
// The version line always comes first; the remaining keys are written in
// ascending byte order. Keys and walrus attributes this package does not
// understand are carried through a decode/encode round trip unchanged.
package pointer

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

const (
	// VersionURL is the schema marker prefix; the schema number follows it.
	VersionURL = "https://git-lfs.github.com/spec/v"

	// SchemaVersion is the highest schema this codec understands.
	SchemaVersion = 1

	// MaxSize bounds the encoded size of a pointer. Anything larger is content.
	MaxSize = 1024

	// ExtKey is the key of the walrus extension line.
	ExtKey = "ext-0-walrus"

	// OIDPrefix precedes the hex digest on the oid line.
	OIDPrefix = "sha256:"

	keyVersion = "version"
	keyOID     = "oid"
	keySize    = "size"

	attrBlobID = "blobId"
	attrEpoch  = "epoch"
)

// Pointer is the decoded form of a pointer file.
type Pointer struct {
	// OID is the lowercase hex sha256 of the content, without the "sha256:" prefix.
	OID  string
	Size int64

	BlobID string
	// Epoch is the last storage epoch the blob is paid for.
	Epoch uint64

	// Version is the schema number from the version line. Zero encodes as SchemaVersion.
	Version int

	// ExtAttrs are walrus attributes other than blobId and epoch, in input order.
	ExtAttrs []Attr
	// Extra are keys other than version, oid, size and ext-0-walrus, sorted
	// by key. Decode always returns them sorted.
	Extra []Line
}

// Attr is a name:value pair on the walrus extension line.
type Attr struct {
	Name  string
	Value string
}

// Line is one "key value" line of a pointer file.
type Line struct {
	Key   string
	Value string
}

// New builds a pointer for content with the given digest and size stored as blobID.
func New(oid string, size int64, blobID string, epoch uint64) Pointer {
	return Pointer{OID: oid, Size: size, BlobID: blobID, Epoch: epoch, Version: SchemaVersion}
}

// WithEpoch returns a copy of p carrying a new end epoch. Nothing else changes.
func (p Pointer) WithEpoch(epoch uint64) Pointer {
	p.Epoch = epoch
	return p
}

// WithBlob returns a copy of p pointing at a different stored blob.
func (p Pointer) WithBlob(blobID string, epoch uint64) Pointer {
	p.BlobID = blobID
	p.Epoch = epoch
	return p
}

// Validate reports whether p can be encoded into a pointer that decodes back to itself.
func (p Pointer) Validate() error {
	if !ValidOID(p.OID) {
		return &ParseError{Field: keyOID, Reason: "oid must be 64 lowercase hex digits"}
	}
	if p.Size < 0 {
		return &ParseError{Field: keySize, Reason: "size must not be negative"}
	}
	if p.BlobID == "" || strings.ContainsAny(p.BlobID, " \t\r\n") {
		return &ParseError{Field: ExtKey, Reason: "blobId must be a non-empty token"}
	}
	if p.Version < 0 || p.Version > SchemaVersion {
		return &ParseError{Field: keyVersion, Reason: "unsupported schema version " + strconv.Itoa(p.Version)}
	}
	for _, a := range p.ExtAttrs {
		if a.Name == attrBlobID || a.Name == attrEpoch || !validAttrName(a.Name) || !validToken(a.Value) {
			return &ParseError{Field: ExtKey, Reason: "invalid attribute " + strconv.Quote(a.Name)}
		}
	}
	for i, l := range p.Extra {
		if reserved(l.Key) || !validKey(l.Key) || !validValue(l.Value) {
			return &ParseError{Field: l.Key, Reason: "invalid extra line"}
		}
		if i > 0 && p.Extra[i-1].Key >= l.Key {
			return &ParseError{Field: l.Key, Reason: "extra lines must have unique keys in ascending order"}
		}
	}
	return nil
}

// Encode renders p in canonical form. Encoding the result of Decode on
// canonical input reproduces that input byte for byte.
func Encode(p Pointer) []byte {
	version := p.Version
	if version == 0 {
		version = SchemaVersion
	}

	lines := make([]Line, 0, 3+len(p.Extra))
	lines = append(lines,
		Line{Key: ExtKey, Value: p.extValue()},
		Line{Key: keyOID, Value: OIDPrefix + p.OID},
		Line{Key: keySize, Value: strconv.FormatInt(p.Size, 10)},
	)
	lines = append(lines, p.Extra...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Key < lines[j].Key })

	var buf bytes.Buffer
	buf.WriteString(keyVersion + " " + VersionURL + strconv.Itoa(version) + "\n")
	for _, l := range lines {
		buf.WriteString(l.Key)
		buf.WriteByte(' ')
		buf.WriteString(l.Value)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (p Pointer) extValue() string {
	var sb strings.Builder
	sb.WriteString(attrBlobID + ":" + p.BlobID)
	sb.WriteString(" " + attrEpoch + ":" + strconv.FormatUint(p.Epoch, 10))
	for _, a := range p.ExtAttrs {
		sb.WriteString(" " + a.Name + ":" + a.Value)
	}
	return sb.String()
}

// String returns the encoded pointer.
func (p Pointer) String() string {
	return string(Encode(p))
}

// IsPointer is a cheap check that data could be a pointer file. It does not
// validate the content; use Decode for that.
func IsPointer(data []byte) bool {
	return len(data) <= MaxSize && bytes.HasPrefix(data, []byte(keyVersion+" "+VersionURL))
}

// ValidOID reports whether s is 64 lowercase hex digits.
func ValidOID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// OIDFromDigest formats a raw sha256 digest as an oid.
func OIDFromDigest(sum []byte) string {
	return hex.EncodeToString(sum)
}

func reserved(key string) bool {
	return key == keyVersion || key == keyOID || key == keySize || key == ExtKey
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '.' && c != '-' {
			return false
		}
	}
	return true
}

func validAttrName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}

func validValue(s string) bool {
	return s != "" && !strings.ContainsAny(s, "\r\n")
}
