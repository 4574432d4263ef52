package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Table renders rows under a fixed header.
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
}

// AddRow appends a row. Cells past the header count are dropped from JSON.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Render() error { return t.out.Render(t) }

func (t *Table) Meta() Meta { return t.meta }

func (t *Table) RenderText(w io.Writer) error {
	tw := t.writer()
	tw.SetStyle(table.StyleLight)
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// RenderJSON returns one object per row keyed by snake_cased headers.
func (t *Table) RenderJSON() any {
	out := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			if i < len(row) {
				obj[toJSONKey(h)] = row[i]
			}
		}
		out = append(out, obj)
	}
	return out
}

func (t *Table) RenderMarkdown(w io.Writer) error {
	_, err := io.WriteString(w, t.writer().RenderMarkdown()+"\n")
	return err
}

func (t *Table) writer() table.Writer {
	tw := table.NewWriter()
	header := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range t.rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		tw.AppendRow(r)
	}
	return tw
}

func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
