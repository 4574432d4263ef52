// Package selector evaluates CEL expressions that choose which tracked
// pointers a check or refresh considers.
//
// Expressions see these variables:
//
//	path     string  repository-relative path of the pointer file
//	name     string  base name of path
//	ext      string  extension of path, including the dot
//	oid      string  content sha256, lowercase hex
//	size     int     content size in bytes
//	blob_id  string  backend blob id
//	epoch    int     end epoch recorded in the pointer
//	attrs    map(string, string)  extra walrus attributes
//
// For example: size > 100 * 1024 * 1024 && path.startsWith("assets/")
package selector

import (
	"fmt"
	"math"
	"path"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gezibash/git-lfs-walrus/internal/pointer"
)

// Selector is a compiled expression. A nil *Selector matches everything.
type Selector struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. An empty expression yields a nil
// Selector, which matches every pointer.
func Compile(expr string) (*Selector, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("ext", cel.StringType),
		cel.Variable("oid", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("blob_id", cel.StringType),
		cel.Variable("epoch", cel.IntType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile selector %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile selector %q: result is %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Selector{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Match reports whether the pointer at filePath is selected. Evaluation
// errors, such as a missing map key, count as no match.
func (s *Selector) Match(p pointer.Pointer, filePath string) bool {
	if s == nil {
		return true
	}
	out, _, err := s.program.Eval(Vars(p, filePath))
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Vars returns the activation a pointer is evaluated against.
func Vars(p pointer.Pointer, filePath string) map[string]any {
	attrs := make(map[string]string, len(p.ExtAttrs))
	for _, a := range p.ExtAttrs {
		attrs[a.Name] = a.Value
	}
	epoch := int64(math.MaxInt64)
	if p.Epoch <= math.MaxInt64 {
		epoch = int64(p.Epoch)
	}
	return map[string]any{
		"path":    filePath,
		"name":    path.Base(filePath),
		"ext":     path.Ext(filePath),
		"oid":     p.OID,
		"size":    p.Size,
		"blob_id": p.BlobID,
		"epoch":   epoch,
		"attrs":   attrs,
	}
}
