package pointer

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
)

// Decode parses a pointer file. Keys may appear in any order after the version
// line; the result re-encodes in canonical order.
func Decode(data []byte) (Pointer, error) {
	if len(data) > MaxSize {
		return Pointer{}, &ParseError{Reason: "input exceeds " + strconv.Itoa(MaxSize) + " bytes"}
	}
	if len(data) == 0 {
		return Pointer{}, &ParseError{Reason: "empty input"}
	}
	if bytes.IndexByte(data, '\r') >= 0 {
		return Pointer{}, &ParseError{Reason: "carriage return in pointer"}
	}

	text := string(data)
	text = strings.TrimSuffix(text, "\n")
	rawLines := strings.Split(text, "\n")

	var p Pointer
	seen := make(map[string]bool, len(rawLines))
	var haveExt bool

	for i, raw := range rawLines {
		lineNo := i + 1
		key, value, ok := strings.Cut(raw, " ")
		if !ok || !validKey(key) || value == "" {
			return Pointer{}, &ParseError{Line: lineNo, Reason: "malformed line " + strconv.Quote(truncate(raw))}
		}
		if seen[key] {
			return Pointer{}, &ParseError{Line: lineNo, Field: key, Reason: "duplicate key"}
		}
		seen[key] = true

		if lineNo == 1 {
			if key != keyVersion {
				return Pointer{}, &ParseError{Line: 1, Field: keyVersion, Reason: "first line must be the version"}
			}
			v, err := parseVersion(value)
			if err != nil {
				return Pointer{}, withLine(err, 1)
			}
			p.Version = v
			continue
		}

		switch key {
		case keyVersion:
			return Pointer{}, &ParseError{Line: lineNo, Field: key, Reason: "version must be the first line"}
		case keyOID:
			hexDigest, found := strings.CutPrefix(value, OIDPrefix)
			if !found || !ValidOID(hexDigest) {
				return Pointer{}, &ParseError{Line: lineNo, Field: key, Reason: "expected sha256: followed by 64 lowercase hex digits"}
			}
			p.OID = hexDigest
		case keySize:
			n, err := parseDecimal(value)
			if err != nil || n > 1<<63-1 {
				return Pointer{}, &ParseError{Line: lineNo, Field: key, Reason: "not a decimal number"}
			}
			p.Size = int64(n)
		case ExtKey:
			if err := p.decodeExt(value); err != nil {
				return Pointer{}, withLine(err, lineNo)
			}
			haveExt = true
		default:
			p.Extra = append(p.Extra, Line{Key: key, Value: value})
		}
	}

	switch {
	case !seen[keyVersion]:
		return Pointer{}, &ParseError{Field: keyVersion, Reason: "missing"}
	case !seen[keyOID]:
		return Pointer{}, &ParseError{Field: keyOID, Reason: "missing"}
	case !seen[keySize]:
		return Pointer{}, &ParseError{Field: keySize, Reason: "missing"}
	case !haveExt:
		return Pointer{}, &ParseError{Field: ExtKey, Reason: "missing"}
	}
	sort.Slice(p.Extra, func(i, j int) bool { return p.Extra[i].Key < p.Extra[j].Key })
	return p, nil
}

func (p *Pointer) decodeExt(value string) error {
	var haveBlob, haveEpoch bool
	names := make(map[string]bool)
	for _, field := range strings.Split(value, " ") {
		name, v, ok := strings.Cut(field, ":")
		if !ok || !validAttrName(name) || v == "" {
			return &ParseError{Field: ExtKey, Reason: "malformed attribute " + strconv.Quote(truncate(field))}
		}
		if names[name] {
			return &ParseError{Field: ExtKey, Reason: "duplicate attribute " + name}
		}
		names[name] = true

		switch name {
		case attrBlobID:
			p.BlobID = v
			haveBlob = true
		case attrEpoch:
			n, err := parseDecimal(v)
			if err != nil {
				return &ParseError{Field: ExtKey, Reason: "epoch is not a decimal number"}
			}
			p.Epoch = n
			haveEpoch = true
		default:
			p.ExtAttrs = append(p.ExtAttrs, Attr{Name: name, Value: v})
		}
	}
	if !haveBlob {
		return &ParseError{Field: ExtKey, Reason: "missing blobId"}
	}
	if !haveEpoch {
		return &ParseError{Field: ExtKey, Reason: "missing epoch"}
	}
	return nil
}

func parseVersion(value string) (int, error) {
	num, ok := strings.CutPrefix(value, VersionURL)
	if !ok {
		return 0, &ParseError{Field: keyVersion, Reason: "unknown schema " + strconv.Quote(truncate(value))}
	}
	n, err := parseDecimal(num)
	if err != nil || n == 0 {
		return 0, &ParseError{Field: keyVersion, Reason: "malformed schema version"}
	}
	if n > SchemaVersion {
		return 0, &ParseError{Field: keyVersion, Reason: "unsupported schema version " + num}
	}
	return int(n), nil
}

// parseDecimal accepts only canonical unsigned decimals so that re-encoding is
// byte-identical: no sign, no leading zeros.
func parseDecimal(s string) (uint64, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseUint(s, 10, 64)
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
