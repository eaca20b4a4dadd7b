// Package export writes stored violations to reviewer spreadsheets.
package export

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/xuri/excelize/v2"

	"examguard/internal/store"
	"examguard/internal/violation"
)

// Sheet names.
const (
	SummarySheet  = "Summary"
	TimelineSheet = "Timeline"
)

// summaryHeaderRow is the row of the per-candidate table header on the
// Summary sheet.
const summaryHeaderRow = 6

// SummaryHeaders and TimelineHeaders are the table column titles.
var (
	SummaryHeaders  = []string{"Assessment", "Candidate", "Type", "Severity", "Count", "Risk Total", "First Seen", "Last Seen"}
	TimelineHeaders = []string{"#", "Time", "Assessment", "Candidate", "Type", "Severity", "Message", "Action", "Risk", "Source", "Snapshot Digest"}
)

var severityFill = map[violation.Severity]string{
	violation.SeverityHigh:   "FFC7CE",
	violation.SeverityMedium: "FFEB9C",
	violation.SeverityLow:    "C6EFCE",
}

var thinBorder = []excelize.Border{
	{Type: "left", Color: "000000", Style: 1},
	{Type: "right", Color: "000000", Style: 1},
	{Type: "top", Color: "000000", Style: 1},
	{Type: "bottom", Color: "000000", Style: 1},
}

// Group is one Summary row.
type Group struct {
	AssessmentID string
	CandidateID  string
	Type         violation.Type
	Severity     violation.Severity
	Count        int
	RiskTotal    float64
	FirstSeen    time.Time
	LastSeen     time.Time
}

type groupKey struct {
	assessment string
	candidate  string
	typ        violation.Type
	severity   violation.Severity
}

// Summarize groups records by assessment, candidate, type and severity in
// first-seen order.
func Summarize(records []store.Violation) []Group {
	sorted := append([]store.Violation(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	groups := orderedmap.NewOrderedMap[groupKey, *Group]()
	for _, v := range sorted {
		k := groupKey{v.AssessmentID, v.CandidateID, v.Type, v.Severity}
		g, ok := groups.Get(k)
		if !ok {
			g = &Group{
				AssessmentID: v.AssessmentID,
				CandidateID:  v.CandidateID,
				Type:         v.Type,
				Severity:     v.Severity,
				FirstSeen:    v.At,
			}
			groups.Set(k, g)
		}
		g.Count++
		g.RiskTotal += v.RiskScore
		g.LastSeen = v.At
	}

	out := make([]Group, 0, groups.Len())
	for el := groups.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value)
	}
	return out
}

// ToExcel writes records to outputPath, adding a .xlsx extension when
// missing, and returns the path written.
func ToExcel(records []store.Violation, outputPath string) (string, error) {
	if !strings.HasSuffix(strings.ToLower(outputPath), ".xlsx") {
		outputPath += ".xlsx"
	}
	outputPath = filepath.Clean(outputPath)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return "", fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(TimelineSheet); err != nil {
		return "", fmt.Errorf("create timeline sheet: %w", err)
	}

	if err := writeSummary(f, records); err != nil {
		return "", fmt.Errorf("write summary sheet: %w", err)
	}
	if err := writeTimeline(f, records); err != nil {
		return "", fmt.Errorf("write timeline sheet: %w", err)
	}

	if err := f.SaveAs(outputPath); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return outputPath, nil
}

func headerStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border:    thinBorder,
	})
}

// severityStyles returns one bordered, color-coded row style per severity.
func severityStyles(f *excelize.File) (map[violation.Severity]int, error) {
	styles := make(map[violation.Severity]int, len(severityFill))
	for sev, color := range severityFill {
		id, err := f.NewStyle(&excelize.Style{
			Fill:   excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
			Border: thinBorder,
		})
		if err != nil {
			return nil, err
		}
		styles[sev] = id
	}
	return styles, nil
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	return f.SetSheetRow(sheet, cell(1, row), &values)
}

func writeHeaders(f *excelize.File, sheet string, row int, headers []string, style int) error {
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	if err := writeRow(f, sheet, row, values); err != nil {
		return err
	}
	return f.SetCellStyle(sheet, cell(1, row), cell(len(headers), row), style)
}

func freezeBelow(f *excelize.File, sheet string, row int) error {
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      row,
		TopLeftCell: cell(1, row+1),
		ActivePane:  "bottomLeft",
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(violation.TimestampLayout)
}

func writeSummary(f *excelize.File, records []store.Violation) error {
	sheet := SummarySheet
	header, err := headerStyle(f)
	if err != nil {
		return err
	}
	rowStyles, err := severityStyles(f)
	if err != nil {
		return err
	}
	label, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	f.SetColWidth(sheet, "A", "B", 24)
	f.SetColWidth(sheet, "C", "C", 22)
	f.SetColWidth(sheet, "D", "F", 12)
	f.SetColWidth(sheet, "G", "H", 26)

	assessments := make(map[string]struct{})
	for _, v := range records {
		assessments[v.AssessmentID] = struct{}{}
	}

	f.SetCellValue(sheet, "A1", "Proctoring Violation Report")
	f.SetCellStyle(sheet, "A1", "A1", label)
	meta := [][]any{
		{"Generated:", time.Now().UTC().Format(time.RFC3339)},
		{"Total Violations:", len(records)},
		{"Assessments:", len(assessments)},
	}
	for i, m := range meta {
		if err := writeRow(f, sheet, 2+i, m); err != nil {
			return err
		}
		f.SetCellStyle(sheet, cell(1, 2+i), cell(1, 2+i), label)
	}

	if err := writeHeaders(f, sheet, summaryHeaderRow, SummaryHeaders, header); err != nil {
		return err
	}
	row := summaryHeaderRow + 1
	groups := Summarize(records)
	for _, g := range groups {
		values := []any{
			g.AssessmentID, g.CandidateID, string(g.Type), string(g.Severity),
			g.Count, g.RiskTotal, formatTime(g.FirstSeen), formatTime(g.LastSeen),
		}
		if err := writeRow(f, sheet, row, values); err != nil {
			return err
		}
		if style, ok := rowStyles[g.Severity]; ok {
			f.SetCellStyle(sheet, cell(1, row), cell(len(SummaryHeaders), row), style)
		}
		row++
	}

	if len(groups) > 0 {
		ref := fmt.Sprintf("%s:%s", cell(1, summaryHeaderRow), cell(len(SummaryHeaders), row-1))
		if err := f.AutoFilter(sheet, ref, nil); err != nil {
			return err
		}
	}
	return freezeBelow(f, sheet, summaryHeaderRow)
}

func writeTimeline(f *excelize.File, records []store.Violation) error {
	sheet := TimelineSheet
	header, err := headerStyle(f)
	if err != nil {
		return err
	}
	rowStyles, err := severityStyles(f)
	if err != nil {
		return err
	}

	f.SetColWidth(sheet, "A", "A", 6)
	f.SetColWidth(sheet, "B", "B", 26)
	f.SetColWidth(sheet, "C", "F", 18)
	f.SetColWidth(sheet, "G", "G", 50)
	f.SetColWidth(sheet, "H", "J", 18)
	f.SetColWidth(sheet, "K", "K", 66)

	if err := writeHeaders(f, sheet, 1, TimelineHeaders, header); err != nil {
		return err
	}
	for i, v := range records {
		row := i + 2
		values := []any{
			i + 1, formatTime(v.At), v.AssessmentID, v.CandidateID, string(v.Type), string(v.Severity),
			v.Message, v.Action, v.RiskScore, string(v.Source), v.SnapshotDigest,
		}
		if err := writeRow(f, sheet, row, values); err != nil {
			return err
		}
		if style, ok := rowStyles[v.Severity]; ok {
			f.SetCellStyle(sheet, cell(1, row), cell(len(TimelineHeaders), row), style)
		}
	}

	if len(records) > 0 {
		ref := fmt.Sprintf("A1:%s", cell(len(TimelineHeaders), len(records)+1))
		if err := f.AutoFilter(sheet, ref, nil); err != nil {
			return err
		}
	}
	return freezeBelow(f, sheet, 1)
}
