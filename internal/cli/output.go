package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is an output format for command results.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat parses a format name. Unknown names fall back to text.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "markdown", "md":
		return FormatMarkdown
	default:
		return FormatText
	}
}

// SchemaVersion is stamped on every JSON envelope and markdown frontmatter.
const SchemaVersion = "git-lfs-walrus/v1"

// Meta describes a rendered result.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Version   string    `json:"version" yaml:"version"`
	Generated time.Time `json:"generated" yaml:"generated"`
}

// NewMeta returns metadata for resultType stamped with the current time.
func NewMeta(resultType string) Meta {
	return Meta{Type: resultType, Version: SchemaVersion, Generated: time.Now().UTC()}
}

// Renderable can render itself in every Format.
type Renderable interface {
	Meta() Meta
	RenderText(w io.Writer) error
	RenderJSON() any
	RenderMarkdown(w io.Writer) error
}

// Output renders results to w. JSON output is wrapped in a {meta, data}
// envelope and markdown output gets a YAML frontmatter block.
type Output struct {
	format Format
	w      io.Writer
}

// NewOutput creates an output renderer.
func NewOutput(format Format, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// Format returns the configured format.
func (o *Output) Format() Format { return o.format }

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer { return o.w }

// Table starts a table result.
func (o *Output) Table(resultType string, headers ...string) *Table {
	return &Table{out: o, meta: NewMeta(resultType), headers: headers}
}

// KV starts a key/value result.
func (o *Output) KV(resultType string) *KV {
	return &KV{out: o, meta: NewMeta(resultType)}
}

// StringList starts a list of strings.
func (o *Output) StringList(resultType string) *StringList {
	return &StringList{out: o, meta: NewMeta(resultType)}
}

// Result starts a single-message result.
func (o *Output) Result(resultType, message string) *Result {
	return &Result{out: o, meta: NewMeta(resultType), message: message}
}

// Render writes r in the configured format.
func (o *Output) Render(r Renderable) error {
	switch o.format {
	case FormatJSON:
		return o.renderJSON(r)
	case FormatMarkdown:
		return o.renderMarkdown(r)
	default:
		return r.RenderText(o.w)
	}
}

func (o *Output) renderJSON(r Renderable) error {
	envelope := struct {
		Meta Meta `json:"meta"`
		Data any  `json:"data"`
	}{Meta: r.Meta(), Data: r.RenderJSON()}

	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope)
}

func (o *Output) renderMarkdown(r Renderable) error {
	if _, err := fmt.Fprintln(o.w, "---"); err != nil {
		return err
	}
	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(r.Meta()); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if _, err := fmt.Fprint(o.w, "---\n\n"); err != nil {
		return err
	}
	return r.RenderMarkdown(o.w)
}
