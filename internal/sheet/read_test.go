package sheet

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/oficio-cli/internal/model"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sh, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sh.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "users.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadRows_CSV(t *testing.T) {
	path := writeFile(t, "users.csv", "id,name,email\n u-1 , Ana ,ana@x.com\nu-2,Bruno\n")

	rows, err := ReadRows(context.Background(), path, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"u-1", "Ana", "ana@x.com"}, rows[1])
	assert.Equal(t, []string{"u-2", "Bruno"}, rows[2])
}

func TestReadRows_CSVDelimiter(t *testing.T) {
	path := writeFile(t, "users.txt", "id;name\nu-1;Ana\n")

	rows, err := ReadRows(context.Background(), path, ReadOptions{Delimiter: ';'})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "name"}, {"u-1", "Ana"}}, rows)
}

func TestReadRows_XLSX(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Users": {{"id", "email"}, {"u-1", " ana@x.com "}},
	})

	rows, err := ReadRows(context.Background(), path, ReadOptions{SheetName: "Users"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "email"}, {"u-1", "ana@x.com"}}, rows)
}

func TestReadRows_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := ReadRows(ctx, "users.json", ReadOptions{})
	assert.ErrorContains(t, err, "unsupported file type")

	_, err = ReadRows(ctx, filepath.Join(t.TempDir(), "missing.csv"), ReadOptions{})
	assert.ErrorContains(t, err, "sheet: open file")

	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"id"}}})
	_, err = ReadRows(ctx, path, ReadOptions{SheetName: "Nope"})
	assert.ErrorContains(t, err, `sheet "Nope" not found`)
	_, err = ReadRows(ctx, path, ReadOptions{SheetIndex: 3})
	assert.ErrorContains(t, err, "out of range")
}

func TestReadCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := readCSV(ctx, strings.NewReader("id\nu-1\n"), ReadOptions{})
	assert.ErrorContains(t, err, "context cancelled")
}

func TestUsers(t *testing.T) {
	rows := [][]string{
		{"Email", "ID", "Name"},
		{"ana@x.com", "u-1", "Ana"},
		{"", "", "no id"},
		{"bruno@x.com", "u-2"},
	}

	users, err := Users(rows, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []model.User{
		{ID: "u-1", OrgID: "org-1", Name: "Ana", Email: "ana@x.com"},
		{ID: "u-2", OrgID: "org-1", Email: "bruno@x.com"},
	}, users)
}

func TestUsers_Errors(t *testing.T) {
	users, err := Users(nil, "org-1")
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = Users([][]string{{"name"}, {"Ana"}}, "org-1")
	assert.ErrorContains(t, err, "no id column")

	_, err = Users([][]string{{"id"}}, " ")
	assert.ErrorContains(t, err, "org id is required")
}
