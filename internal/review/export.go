package review

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

var exportHeader = []string{
	"key", "title", "authors", "year",
	"ai_decision", "ai_confidence", "ai_reasoning", "reason_codes",
	"manual_decision", "final_decision", "checked", "note",
}

func exportRecord(r Row) []string {
	codes := make([]string, 0, len(r.ReasonCodes))
	for _, rc := range r.ReasonCodes {
		codes = append(codes, rc.Code)
	}
	checked := ""
	if r.Checked {
		checked = "x"
	}
	return []string{
		r.Key, r.Title, r.Authors, r.Year,
		r.AIDecision, fmt.Sprintf("%.2f", r.AIConfidence), r.AIReasoning, strings.Join(codes, ";"),
		r.ManualDecision, r.FinalDecision, checked, r.Note,
	}
}

// ExportCSV writes the merged review rows as CSV with a header row.
func ExportCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return eris.Wrap(err, "review: write csv header")
	}
	for _, r := range rows {
		if err := cw.Write(exportRecord(r)); err != nil {
			return eris.Wrapf(err, "review: write csv row %s", r.Key)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "review: flush csv")
}

// ExportXLSX writes the merged review rows as a single-sheet workbook.
func ExportXLSX(w io.Writer, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("screening")
	if err != nil {
		return eris.Wrap(err, "review: add sheet")
	}

	hr := sheet.AddRow()
	for _, h := range exportHeader {
		cell := hr.AddCell()
		cell.Value = h
	}
	for _, r := range rows {
		xr := sheet.AddRow()
		for _, v := range exportRecord(r) {
			cell := xr.AddCell()
			cell.Value = v
		}
	}

	return eris.Wrap(f.Write(w), "review: write xlsx")
}
