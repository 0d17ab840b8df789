package report

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// Sentinel errors for report decoding.
var (
	// ErrUnsupportedFormat indicates the report extension is not csv, tsv or xlsx.
	ErrUnsupportedFormat = errors.New("unsupported report format")

	// ErrEmptyReport indicates the report has no header row.
	ErrEmptyReport = errors.New("report has no header row")
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Decode parses report bytes into a table, choosing the format from the
// file extension of name.
func Decode(name string, payload []byte) (*Table, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".csv":
		return decodeDelimited(payload, ',')
	case ".tsv":
		return decodeDelimited(payload, '\t')
	case ".xlsx":
		return decodeExcel(payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Supported reports whether Decode understands the extension of name.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".tsv", ".xlsx":
		return true
	}
	return false
}

func decodeDelimited(payload []byte, comma rune) (*Table, error) {
	payload = bytes.TrimPrefix(payload, byteOrderMark)

	// Older reports were exported from spreadsheets in Latin-1.
	if !utf8.Valid(payload) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(payload)
		if err != nil {
			return nil, fmt.Errorf("decode latin-1: %w", err)
		}
		payload = decoded
	}

	r := csv.NewReader(bufio.NewReader(bytes.NewReader(payload)))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read delimited report: %w", err)
	}
	return buildTable(records)
}

func decodeExcel(payload []byte) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrEmptyReport)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows from xlsx: %w", err)
	}
	return buildTable(rows)
}

func buildTable(records [][]string) (*Table, error) {
	records = filterEmptyRows(records)
	if len(records) == 0 {
		return nil, ErrEmptyReport
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}

	t := NewTable(header)
	for _, rec := range records[1:] {
		t.Append(rec)
	}
	return t, nil
}

func filterEmptyRows(rows [][]string) [][]string {
	filtered := rows[:0:0]
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				filtered = append(filtered, row)
				break
			}
		}
	}
	return filtered
}
