package cli

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/list"
)

// StringList renders a bullet list of strings.
type StringList struct {
	out   *Output
	meta  Meta
	items []string
}

// Add appends items.
func (l *StringList) Add(items ...string) *StringList {
	l.items = append(l.items, items...)
	return l
}

func (l *StringList) Render() error { return l.out.Render(l) }

func (l *StringList) Meta() Meta { return l.meta }

func (l *StringList) RenderText(w io.Writer) error {
	lw := l.writer(list.StyleBulletCircle)
	_, err := io.WriteString(w, lw.Render()+"\n")
	return err
}

// RenderJSON returns the items, never null.
func (l *StringList) RenderJSON() any {
	if l.items == nil {
		return []string{}
	}
	return l.items
}

func (l *StringList) RenderMarkdown(w io.Writer) error {
	lw := l.writer(list.StyleMarkdown)
	_, err := io.WriteString(w, lw.RenderMarkdown()+"\n")
	return err
}

func (l *StringList) writer(style list.Style) list.Writer {
	lw := list.NewWriter()
	lw.SetStyle(style)
	for _, item := range l.items {
		lw.AppendItem(item)
	}
	return lw
}
