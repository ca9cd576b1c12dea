// Package export renders a meeting's intelligence as a spreadsheet.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
)

// Sheet names, in workbook order.
const (
	SheetSummary     = "Summary"
	SheetDecisions   = "Decisions"
	SheetActionItems = "Action Items"
	SheetRuns        = "Runs"
)

var (
	decisionHeader   = []any{"#", "Decision", "Rationale", "Confidence", "Source Quote", "Source Chunks"}
	actionItemHeader = []any{"#", "Title", "Owner", "Owner Email", "Due", "Priority", "Status", "Confidence", "Source Quote"}
	runHeader        = []any{"Stage", "Attempt", "Status", "Error", "Started", "Finished", "Duration (ms)"}
)

// WriteXLSX writes d and its processing runs as an .xlsx workbook to w.
func WriteXLSX(w io.Writer, d *meetings.Details, history []*runs.Run) error {
	f, err := Workbook(d, history)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Workbook builds the workbook in memory. The caller closes it.
func Workbook(d *meetings.Details, history []*runs.Run) (*excelize.File, error) {
	if d == nil || d.Meeting == nil {
		return nil, fmt.Errorf("export: meeting details are required")
	}
	f := excelize.NewFile()

	// NewFile starts with Sheet1; rename it rather than leave it empty.
	if err := f.SetSheetName(f.GetSheetName(0), SheetSummary); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetDecisions, SheetActionItems, SheetRuns} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	writers := []func(*excelize.File) error{
		func(f *excelize.File) error { return writeSummary(f, d) },
		func(f *excelize.File) error { return writeRows(f, SheetDecisions, decisionHeader, decisionRows(d.Decisions)) },
		func(f *excelize.File) error { return writeRows(f, SheetActionItems, actionItemHeader, actionItemRows(d.ActionItems)) },
		func(f *excelize.File) error { return writeRows(f, SheetRuns, runHeader, runRows(history)) },
	}
	for _, write := range writers {
		if err := write(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func writeSummary(f *excelize.File, d *meetings.Details) error {
	m := d.Meeting
	duration := ""
	if m.DurationSeconds != nil {
		duration = strconv.FormatFloat(*m.DurationSeconds, 'f', 0, 64)
	}
	rows := [][]any{
		{"Title", m.Title},
		{"Date", m.DateString()},
		{"Type", m.Type},
		{"Company", m.Company},
		{"Status", m.Status},
		{"Language", m.Language},
		{"Duration (s)", duration},
		{"Participants", strings.Join(m.Participants, ", ")},
		{"Tags", strings.Join(d.Tags, ", ")},
		{"Summary", m.Summary},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", SheetSummary, i+1, err)
		}
	}
	return f.SetColWidth(SheetSummary, "B", "B", 80)
}

func writeRows(f *excelize.File, sheet string, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}

func decisionRows(ds []meetings.Decision) [][]any {
	out := make([][]any, 0, len(ds))
	for _, d := range ds {
		out = append(out, []any{
			d.Seq,
			d.Text,
			d.Rationale,
			meetings.ConfidenceLabel(d.Confidence),
			d.SourceQuote,
			joinInts(d.SourceChunks),
		})
	}
	return out
}

func actionItemRows(items []meetings.ActionItem) [][]any {
	out := make([][]any, 0, len(items))
	for _, a := range items {
		out = append(out, []any{
			a.Seq,
			a.Title,
			a.OwnerName,
			a.OwnerEmail,
			a.DueDate,
			a.Priority,
			a.Status,
			meetings.ConfidenceLabel(a.Confidence),
			a.SourceQuote,
		})
	}
	return out
}

// runRows lists runs oldest first.
func runRows(history []*runs.Run) [][]any {
	out := make([][]any, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		out = append(out, []any{
			string(r.Stage),
			r.Attempt,
			string(r.Status),
			r.Error,
			formatTime(r.StartedAt),
			formatTime(r.FinishedAt),
			r.Duration().Milliseconds(),
		})
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
