package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/traditionalchinese"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestReadXLSX(t *testing.T) {
	data := createTestXLSX(t, map[string][][]string{
		"ListOfSecurities": {
			{"List of Securities"},
			{"Updated as at 02/01/2024"},
			{"Stock Code", "Name of Securities", "Category"},
			{"00001", "CKH HOLDINGS", "Equity"},
		},
	})

	rows, err := ReadXLSX(data, XLSXOptions{SkipRows: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Stock Code", "Name of Securities", "Category"}, rows[0])
	assert.Equal(t, []string{"00001", "CKH HOLDINGS", "Equity"}, rows[1])

	rows, err = ReadXLSX(data, XLSXOptions{SheetName: "ListOfSecurities"})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestReadXLSX_Errors(t *testing.T) {
	data := createTestXLSX(t, map[string][][]string{"Sheet1": {{"a"}}})

	_, err := ReadXLSX(data, XLSXOptions{SheetName: "Missing"})
	assert.ErrorContains(t, err, "not found")

	_, err = ReadXLSX(data, XLSXOptions{SheetIndex: 3})
	assert.ErrorContains(t, err, "out of range")

	_, err = ReadXLSX([]byte("not a zip"), XLSXOptions{})
	assert.ErrorContains(t, err, "open workbook")
}

func TestReadCSV(t *testing.T) {
	input := "\xEF\xBB\xBFDate,Stock Code, Stock Name ,Aggregated Reportable Short Positions (Shares)\n" +
		"29/12/2023,1,CKH HOLDINGS,\"1,234,567\"\n" +
		"29/12/2023,5,HSBC HOLDINGS\n"
	rows, err := ReadCSV(context.Background(), []byte(input), CSVOptions{TrimSpace: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Date", rows[0][0])
	assert.Equal(t, "Stock Name", rows[0][2])
	assert.Equal(t, "1,234,567", rows[1][3])
	assert.Len(t, rows[2], 3)
}

func TestReadCSV_Delimiter(t *testing.T) {
	rows, err := ReadCSV(context.Background(), []byte("a|b\n1|2\n"), CSVOptions{Delimiter: '|'})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, rows)
}

func TestReadCSV_Malformed(t *testing.T) {
	_, err := ReadCSV(context.Background(), []byte("a,\"b\n"), CSVOptions{})
	assert.Error(t, err)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a,b\n"), CSVOptions{})
	for range rowCh {
	}
	assert.Error(t, <-errCh)
}

func TestToUTF8(t *testing.T) {
	big5, err := traditionalchinese.Big5.NewEncoder().String("<td>匯豐控股</td>")
	require.NoError(t, err)

	t.Run("content-type charset", func(t *testing.T) {
		out, err := ToUTF8([]byte(big5), "text/html; charset=big5", "")
		require.NoError(t, err)
		assert.Equal(t, "<td>匯豐控股</td>", string(out))
	})

	t.Run("declared override", func(t *testing.T) {
		out, err := ToUTF8([]byte(big5), "text/html", "big5")
		require.NoError(t, err)
		assert.Equal(t, "<td>匯豐控股</td>", string(out))
	})

	t.Run("meta charset", func(t *testing.T) {
		doc := `<html><head><meta charset="big5"></head><body>` + big5 + `</body></html>`
		out, err := ToUTF8([]byte(doc), "text/html", "")
		require.NoError(t, err)
		assert.Contains(t, string(out), "匯豐控股")
	})

	t.Run("utf-8 passthrough", func(t *testing.T) {
		out, err := ToUTF8([]byte("\xEF\xBB\xBF滙豐"), "", "")
		require.NoError(t, err)
		assert.Equal(t, "滙豐", string(out))
	})

	t.Run("unknown declared", func(t *testing.T) {
		_, err := ToUTF8([]byte("x"), "", "klingon")
		assert.Error(t, err)
	})
}
