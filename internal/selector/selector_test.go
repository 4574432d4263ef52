package selector

import (
	"strings"
	"testing"

	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

func testPointer() pointer.Pointer {
	p := pointer.New(strings.Repeat("ab", 32), 5<<20, "B1", 120)
	p.ExtAttrs = []pointer.Attr{{Name: "tier", Value: "cold"}}
	return p
}

func TestMatch(t *testing.T) {
	p := testPointer()
	tests := []struct {
		expr string
		path string
		want bool
	}{
		{`size > 1024 * 1024`, "a.bin", true},
		{`size > 10 * 1024 * 1024`, "a.bin", false},
		{`path.startsWith("assets/")`, "assets/x/model.bin", true},
		{`path.startsWith("assets/")`, "docs/model.bin", false},
		{`ext == ".psd"`, "art/cover.psd", true},
		{`name == "cover.psd"`, "art/cover.psd", true},
		{`epoch < 100`, "a.bin", false},
		{`blob_id == "B1" && oid.startsWith("abab")`, "a.bin", true},
		{`attrs["tier"] == "cold"`, "a.bin", true},
		// A missing key is an evaluation error, which does not match.
		{`attrs["region"] == "eu"`, "a.bin", false},
		{`"region" in attrs && attrs["region"] == "eu"`, "a.bin", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr+"/"+tt.path, func(t *testing.T) {
			s, err := Compile(tt.expr)
			if err != nil {
				t.Fatal(err)
			}
			if got := s.Match(p, tt.path); got != tt.want {
				t.Fatalf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmptyMatchesAll(t *testing.T) {
	s, err := Compile("")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Match(testPointer(), "anything") {
		t.Fatal("empty selector should match")
	}
	if s.String() != "" {
		t.Fatal("empty selector has no source")
	}
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{
		`size >`,
		`unknown_var == 1`,
		`size + 1`,
	} {
		if _, err := Compile(expr); err == nil {
			t.Errorf("Compile(%q) succeeded", expr)
		}
	}
}
