// Package report models CRE variant reports as in-memory tables.
//
// A report is one file per family. Columns are kept in their original order
// and every cell is a string; an empty string is a null value.
package report

import (
	"encoding/csv"
	"io"
	"path"
	"strings"
)

// Table is an ordered set of named columns and string rows.
//
// Every row has exactly len(Columns) cells.
type Table struct {
	Columns []string
	Rows    [][]string
}

// NewTable returns an empty table with the given header.
func NewTable(columns []string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Has reports whether the table carries column name.
func (t *Table) Has(name string) bool {
	return t.Index(name) >= 0
}

// Column returns a copy of the values held in column name.
func (t *Table) Column(name string) ([]string, bool) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, true
}

// Append adds a row, padding or truncating it to the header width.
func (t *Table) Append(row []string) {
	t.Rows = append(t.Rows, padRow(row, len(t.Columns)))
}

// WriteCSV writes the header and rows as comma-separated values.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// Name is the identity carried by a report file name.
//
// Report files are named `<family>.<kind>[.<variant>].<date>.<ext>`, for
// example `258.wes.2020-04-17.csv`.
type Name struct {
	Path   string
	Family string
	Date   string
}

// ParseName extracts the family codename and report date from a report path.
//
// Both slash and backslash separated paths are accepted. Missing components
// yield empty strings rather than errors.
func ParseName(p string) Name {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	parts := strings.Split(base, ".")
	n := Name{Path: p, Family: parts[0]}
	if len(parts) >= 3 {
		n.Date = parts[len(parts)-2]
	}
	return n
}

// Base returns the report's file name without directories.
func (n Name) Base() string {
	return path.Base(strings.ReplaceAll(n.Path, "\\", "/"))
}

// Raw is a report as read from its source, before normalization.
type Raw struct {
	Name
	*Table
}

func padRow(row []string, width int) []string {
	if len(row) == width {
		return row
	}
	out := make([]string, width)
	copy(out, row)
	return out
}
