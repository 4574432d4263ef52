package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// KV renders ordered key/value pairs.
type KV struct {
	out   *Output
	meta  Meta
	pairs []kvPair
}

type kvPair struct {
	key   string
	value any
}

// Set appends a pair. Keys keep insertion order in every format.
func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

// Render writes the pairs through the owning Output.
func (k *KV) Render() error { return k.out.Render(k) }

func (k *KV) Meta() Meta { return k.meta }

// RenderText writes borderless aligned "key: value" rows.
func (k *KV) RenderText(w io.Writer) error {
	if len(k.pairs) == 0 {
		return nil
	}
	tw := plainWriter()
	for _, p := range k.pairs {
		tw.AppendRow(table.Row{p.key + ":", fmt.Sprint(p.value)})
	}
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

func (k *KV) RenderJSON() any {
	obj := make(map[string]any, len(k.pairs))
	for _, p := range k.pairs {
		obj[toJSONKey(p.key)] = p.value
	}
	return obj
}

func (k *KV) RenderMarkdown(w io.Writer) error {
	for _, p := range k.pairs {
		if _, err := fmt.Fprintf(w, "**%s:** %s\n\n", p.key, markdownValue(p.value)); err != nil {
			return err
		}
	}
	return nil
}

func plainWriter() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	opts := &tw.Style().Options
	opts.DrawBorder = false
	opts.SeparateColumns = false
	opts.SeparateRows = false
	opts.SeparateHeader = false
	return tw
}

// markdownValue code-formats identifiers and escapes table pipes.
func markdownValue(v any) string {
	s := fmt.Sprint(v)
	if looksLikeID(s) {
		return "`" + s + "`"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

// looksLikeID reports whether s is a hex digest or a base64url blob id.
func looksLikeID(s string) bool {
	if len(s) < 16 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
		default:
			return false
		}
	}
	return strings.ContainsAny(s, "0123456789")
}
