package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FlatColumns is the header of the flat audit CSV.
var FlatColumns = []string{
	"report_name", "family", "eid", "iid",
	"variants_found", "missing_cols", "extra_cols", "post_status_code",
}

// Unresolved stands in for the iid of a participant whose resolution
// failed.
const Unresolved = "UNRESOLVED"

// listSep joins column lists in a single CSV cell.
const listSep = ";"

// FlatRow is one participant outcome in tabular form.
type FlatRow struct {
	ReportName     string
	Family         string
	EID            string
	IID            string
	VariantsFound  int
	MissingCols    []string
	ExtraCols      []string
	PostStatusCode *int
}

// Flatten returns one row per participant entry, in log order. Report
// entries without participants produce no rows.
func Flatten(log Log) []FlatRow {
	var rows []FlatRow
	for _, rep := range log {
		for _, p := range rep.Participants {
			row := FlatRow{
				ReportName:     rep.ReportName,
				Family:         rep.Family,
				EID:            p.EID,
				IID:            Unresolved,
				VariantsFound:  p.VariantsFound,
				MissingCols:    p.MissingCols,
				ExtraCols:      p.ExtraCols,
				PostStatusCode: p.PostStatusCode,
			}
			if p.IID != nil {
				row.IID = *p.IID
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// Strings renders r in FlatColumns order. A nil status code renders empty.
func (r FlatRow) Strings() []string {
	code := ""
	if r.PostStatusCode != nil {
		code = strconv.Itoa(*r.PostStatusCode)
	}
	return []string{
		r.ReportName,
		r.Family,
		r.EID,
		r.IID,
		strconv.Itoa(r.VariantsFound),
		strings.Join(r.MissingCols, listSep),
		strings.Join(r.ExtraCols, listSep),
		code,
	}
}

// WriteCSV writes the flat view of log to w.
func WriteCSV(w io.Writer, log Log) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(FlatColumns); err != nil {
		return err
	}
	for _, r := range Flatten(log) {
		if err := cw.Write(r.Strings()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the flat view of log to path atomically.
func WriteCSVFile(path string, log Log) error {
	var b strings.Builder
	if err := WriteCSV(&b, log); err != nil {
		return err
	}
	return writeFileAtomic(path, []byte(b.String()))
}

// ReadCSV parses a flat audit CSV back into rows.
func ReadCSV(r io.Reader) ([]FlatRow, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("flat audit csv: missing header")
	}
	if strings.Join(records[0], ",") != strings.Join(FlatColumns, ",") {
		return nil, fmt.Errorf("flat audit csv: unexpected header %v", records[0])
	}

	rows := make([]FlatRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		n, err := strconv.Atoi(rec[4])
		if err != nil {
			return nil, fmt.Errorf("flat audit csv row %d: variants_found: %w", i+2, err)
		}
		row := FlatRow{
			ReportName:    rec[0],
			Family:        rec[1],
			EID:           rec[2],
			IID:           rec[3],
			VariantsFound: n,
			MissingCols:   splitList(rec[5]),
			ExtraCols:     splitList(rec[6]),
		}
		if rec[7] != "" {
			code, err := strconv.Atoi(rec[7])
			if err != nil {
				return nil, fmt.Errorf("flat audit csv row %d: post_status_code: %w", i+2, err)
			}
			row.PostStatusCode = &code
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, listSep)
}

// FlattenFile converts the nested log at src into a flat CSV at dst.
func FlattenFile(src, dst string) (int, error) {
	log, err := ReadJSONFile(src)
	if err != nil {
		return 0, err
	}
	if err := WriteCSVFile(dst, log); err != nil {
		return 0, err
	}
	return len(Flatten(log)), nil
}
