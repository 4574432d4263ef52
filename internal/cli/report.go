package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gezibash/git-lfs-walrus/internal/reconcile"
	"github.com/gezibash/git-lfs-walrus/pkg/logging"
)

// ReportView renders a reconciliation report: a summary followed by one
// row per object that needs attention, or every object when verbose.
type ReportView struct {
	out     *Output
	meta    Meta
	report  reconcile.Report
	dryRun  bool
	verbose bool
}

// Report wraps r for rendering.
func (o *Output) Report(resultType string, r reconcile.Report, dryRun, verbose bool) *ReportView {
	return &ReportView{out: o, meta: NewMeta(resultType), report: r, dryRun: dryRun, verbose: verbose}
}

// Render writes the report through the owning Output.
func (v *ReportView) Render() error { return v.out.Render(v) }

func (v *ReportView) Meta() Meta { return v.meta }

type reportRow struct {
	state string
	item  reconcile.Item
}

func (v *ReportView) rows() []reportRow {
	var rows []reportRow
	add := func(state string, items []reconcile.Item) {
		for _, it := range items {
			rows = append(rows, reportRow{state: state, item: it})
		}
	}
	add("failed", v.report.Failed)
	add("missing", v.report.Missing)
	add("expiring", v.report.Expiring)
	add("extended", v.report.Extended)
	add("restored", v.report.Restored)
	if v.verbose {
		add("fresh", v.report.Fresh)
	}
	return rows
}

func (v *ReportView) summary() *KV {
	kv := &KV{meta: v.meta}
	r := v.report
	kv.Set("objects", r.Total()).
		Set("current epoch", r.CurrentEpoch).
		Set("fresh", len(r.Fresh)).
		Set("expiring", len(r.Expiring)).
		Set("extended", len(r.Extended)).
		Set("restored", len(r.Restored)).
		Set("missing", len(r.Missing)).
		Set("failed", len(r.Failed))
	if v.dryRun {
		kv.Set("mode", "check (no changes made)")
	}
	return kv
}

func (v *ReportView) table() *Table {
	t := &Table{meta: v.meta, headers: []string{"State", "OID", "Size", "Blob ID", "Expiry", "Paths", "Detail"}}
	for _, row := range v.rows() {
		it := row.item
		p := it.Pointer
		if it.Updated != nil {
			p = *it.Updated
		}
		expiry := "-"
		if it.Status.Exists {
			expiry = fmt.Sprintf("%d (%d left)", it.Status.ExpiryEpoch, it.Status.Remaining())
		}
		if it.Updated != nil {
			expiry = strconv.FormatUint(p.Epoch, 10)
		}
		detail := ""
		if it.Err != nil {
			detail = it.Err.Error()
		}
		t.AddRow(row.state, logging.FormatOID(it.OID()), strconv.FormatInt(p.Size, 10), p.BlobID,
			expiry, strings.Join(it.Paths, ", "), detail)
	}
	return t
}

func (v *ReportView) RenderText(w io.Writer) error {
	if err := v.summary().RenderText(w); err != nil {
		return err
	}
	t := v.table()
	if t.Len() == 0 {
		return nil
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	return t.RenderText(w)
}

type itemJSON struct {
	State       string   `json:"state"`
	OID         string   `json:"oid"`
	Size        int64    `json:"size"`
	BlobID      string   `json:"blob_id"`
	Epoch       uint64   `json:"epoch"`
	ExpiryEpoch uint64   `json:"expiry_epoch,omitempty"`
	Remaining   uint64   `json:"remaining,omitempty"`
	NewBlobID   string   `json:"new_blob_id,omitempty"`
	NewEpoch    uint64   `json:"new_epoch,omitempty"`
	Paths       []string `json:"paths"`
	Error       string   `json:"error,omitempty"`
	ErrorKind   string   `json:"error_kind,omitempty"`
}

// RenderJSON returns the summary counts plus every listed object.
func (v *ReportView) RenderJSON() any {
	items := make([]itemJSON, 0)
	for _, row := range v.rows() {
		it := row.item
		j := itemJSON{
			State:  row.state,
			OID:    it.OID(),
			Size:   it.Pointer.Size,
			BlobID: it.Pointer.BlobID,
			Epoch:  it.Pointer.Epoch,
			Paths:  it.Paths,
		}
		if it.Status.Exists {
			j.ExpiryEpoch = it.Status.ExpiryEpoch
			j.Remaining = it.Status.Remaining()
		}
		if it.Updated != nil {
			j.NewBlobID = it.Updated.BlobID
			j.NewEpoch = it.Updated.Epoch
		}
		if it.Err != nil {
			j.Error = it.Err.Error()
			j.ErrorKind = errorKind(it.Err)
		}
		items = append(items, j)
	}
	summary := v.summary().RenderJSON().(map[string]any)
	summary["ok"] = v.report.OK()
	summary["dry_run"] = v.dryRun
	delete(summary, "mode")
	return map[string]any{"summary": summary, "objects": items}
}

func (v *ReportView) RenderMarkdown(w io.Writer) error {
	if err := v.summary().RenderMarkdown(w); err != nil {
		return err
	}
	t := v.table()
	if t.Len() == 0 {
		return nil
	}
	return t.RenderMarkdown(w)
}
