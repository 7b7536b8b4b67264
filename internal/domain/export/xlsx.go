package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/healthbook/healthbook/internal/domain/record"
)

const (
	sheetPatient   = "Patient"
	sheetAllergies = "Allergies"
	sheetHistory   = "History"
)

func renderXLSX(rec record.PatientRecord, age int, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetPatient); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{sheetAllergies, sheetHistory} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	bloodGroup := string(rec.BloodGroup)
	if bloodGroup == "" {
		bloodGroup = "unknown"
	}
	patientRows := [][]any{
		{"Field", "Value"},
		{"ID", rec.ID},
		{"Family name", rec.FamilyName},
		{"Given name", rec.GivenName},
		{"Date of birth", rec.DateOfBirth},
		{"Age", age},
		{"Blood group", bloodGroup},
		{"Notes", rec.Notes},
		{"Generated at", generated.Format(time.RFC3339)},
	}
	if err := writeRows(f, sheetPatient, patientRows, headerStyle, []float64{18, 48}); err != nil {
		return nil, err
	}

	allergyRows := [][]any{{"ID", "Description"}}
	for _, a := range rec.Allergies {
		allergyRows = append(allergyRows, []any{a.ID, a.Description})
	}
	if err := writeRows(f, sheetAllergies, allergyRows, headerStyle, []float64{38, 48}); err != nil {
		return nil, err
	}

	historyRows := [][]any{{"ID", "Date", "Description"}}
	for _, h := range rec.HistoryEntries {
		historyRows = append(historyRows, []any{h.ID, h.Date, h.Description})
	}
	if err := writeRows(f, sheetHistory, historyRows, headerStyle, []float64{38, 12, 48}); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// writeRows writes rows starting at A1, styles the first row as a header
// and freezes it.
func writeRows(f *excelize.File, sheet string, rows [][]any, headerStyle int, widths []float64) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	if len(rows) > 0 {
		last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
			return fmt.Errorf("style %s header: %w", sheet, err)
		}
	}
	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, w); err != nil {
			return fmt.Errorf("set %s column width: %w", sheet, err)
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}
