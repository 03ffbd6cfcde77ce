package convert

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Asistencias"

// Workbook column headers preceding the HoraN columns.
var baseHeaders = []string{
	"Codigo (Badgenumber)",
	"Cedula (SSN)",
	"Nombre",
	"Fecha (YYYY-MM-DD)",
}

// writeWorkbook writes the attendance rows as an .xlsx workbook. The number
// of HoraN columns equals the longest day's punch count.
func writeWorkbook(path string, rows []Row) error {
	maxTimes := 0
	for _, r := range rows {
		if len(r.Times) > maxTimes {
			maxTimes = len(r.Times)
		}
	}

	headers := make([]interface{}, 0, len(baseHeaders)+maxTimes)
	for _, h := range baseHeaders {
		headers = append(headers, h)
	}
	for i := 1; i <= maxTimes; i++ {
		headers = append(headers, fmt.Sprintf("Hora%d", i))
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &headers); err != nil {
		return fmt.Errorf("write header row: %w", err)
	}

	for i, r := range rows {
		cells := make([]interface{}, 0, len(baseHeaders)+len(r.Times))
		cells = append(cells, r.Badge, r.SSN, r.Name, r.Date)
		for _, t := range r.Times {
			cells = append(cells, t)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row coordinate: %w", err)
		}
		if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}
