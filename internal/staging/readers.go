package staging

import (
	"encoding/csv"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/evergraph/evergraph/internal/types"
)

// ReadWorkbook reads every sheet of an xlsx workbook into Tables. Cell
// values are the computed, displayed strings: formulas come back evaluated
// and number/date formatting is preserved, which is exactly what the
// as_displayed serialization wants.
func ReadWorkbook(r io.Reader) ([]Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, types.Validationf("open workbook: %v", err)
	}
	defer f.Close()

	var tables []Table
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, types.Validationf("read sheet %q: %v", name, err)
		}
		tables = append(tables, Table{Name: name, Rows: rows})
	}
	return tables, nil
}

// ReadCSV reads a csv stream as a single-sheet source. The sheet name is
// whatever the caller's mapping expects, conventionally the file stem.
func ReadCSV(r io.Reader, sheetName string) ([]Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, types.Validationf("read csv: %v", err)
	}
	return []Table{{Name: sheetName, Rows: rows}}, nil
}

// ReadSource dispatches on the filename extension: .xlsx/.xlsm workbooks
// or .csv. Anything else is a validation error.
func ReadSource(r io.Reader, filename string) ([]Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return ReadWorkbook(r)
	case ".csv":
		stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return ReadCSV(r, stem)
	default:
		return nil, types.Validationf("unsupported source file %q (want .xlsx, .xlsm or .csv)", filename)
	}
}
