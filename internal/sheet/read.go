// Package sheet reads tabular user directories from CSV or XLSX files and
// writes the case listing as an XLSX workbook.
package sheet

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/oficio-cli/internal/model"
)

// ReadOptions configures row parsing.
type ReadOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	Delimiter  rune   // CSV only, default ','
}

// ReadRows reads every row of a CSV or XLSX file, picking the parser by
// file extension. Cells are trimmed.
func ReadRows(ctx context.Context, path string, opts ReadOptions) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return readXLSX(ctx, path, opts)
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "sheet: open file")
		}
		defer f.Close() //nolint:errcheck
		return readCSV(ctx, f, opts)
	default:
		return nil, eris.Errorf("sheet: unsupported file type %q", filepath.Ext(path))
	}
}

func readCSV(ctx context.Context, r io.Reader, opts ReadOptions) ([][]string, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1 // allow variable fields

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "sheet: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "sheet: read csv row")
		}
		for i, field := range record {
			record[i] = strings.TrimSpace(field)
		}
		rows = append(rows, record)
	}
}

func readXLSX(ctx context.Context, path string, opts ReadOptions) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: open xlsx")
	}

	sh, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(sh.Rows))
	for _, row := range sh.Rows {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "sheet: context cancelled")
		}
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

func getSheet(f *xlsx.File, opts ReadOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sh, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("sheet: sheet %q not found", opts.SheetName)
		}
		return sh, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("sheet: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

// Users maps directory rows onto users of one organization. The first row
// is a header naming the id, name and email columns in any order; rows with
// an empty id are skipped.
func Users(rows [][]string, orgID string) ([]model.User, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(orgID) == "" {
		return nil, eris.New("sheet: org id is required")
	}

	col := map[string]int{"id": -1, "name": -1, "email": -1}
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, ok := col[key]; ok {
			col[key] = i
		}
	}
	if col["id"] < 0 {
		return nil, eris.New("sheet: header has no id column")
	}

	cell := func(row []string, name string) string {
		i := col[name]
		if i < 0 || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var users []model.User
	for _, row := range rows[1:] {
		id := cell(row, "id")
		if id == "" {
			continue
		}
		users = append(users, model.User{
			ID:    id,
			OrgID: orgID,
			Name:  cell(row, "name"),
			Email: cell(row, "email"),
		})
	}
	return users, nil
}
