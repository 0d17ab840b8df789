// Package demux splits a canonical family report into one report per
// participant.
package demux

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/3leaps/creupload/pkg/report"
	"github.com/3leaps/creupload/pkg/schema"
)

// RowPolicy selects which canonical rows a participant report keeps.
type RowPolicy string

const (
	// RowsAll keeps every canonical row for every participant.
	RowsAll RowPolicy = "all"

	// RowsCalled drops rows where the participant has an explicit no-call
	// zygosity, and mitochondrial positions.
	RowsCalled RowPolicy = "called"
)

// ParseRowPolicy validates a policy name. Empty selects RowsAll.
func ParseRowPolicy(s string) (RowPolicy, error) {
	switch RowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RowsAll:
		return RowsAll, nil
	case RowsCalled:
		return RowsCalled, nil
	}
	return "", fmt.Errorf("unknown row policy %q (want all or called)", s)
}

// ErrGenotypeCount indicates a packed family cell does not hold one value
// per participant.
var ErrGenotypeCount = errors.New("packed value count does not match participant count")

// CountError locates a packed-cell mismatch.
type CountError struct {
	Column string
	Row    int
	Got    int
	Want   int
}

func (e *CountError) Error() string {
	return fmt.Sprintf("%s row %d: %d values for %d participants: %v", e.Column, e.Row+1, e.Got, e.Want, ErrGenotypeCount)
}

func (e *CountError) Unwrap() error {
	return ErrGenotypeCount
}

// Participant is one family member's slice of a canonical report.
type Participant struct {
	report.Name
	*report.Table

	// Sample is the participant's name as it appears in genotype headers.
	Sample string

	// Codename is the sample without its `<family>_` prefix.
	Codename string

	Diagnostics schema.Diagnostics
}

// ExternalID is `<family>_<participant>`, the cross-reference key used by
// the remote store.
func (p *Participant) ExternalID() string {
	return p.Family + "_" + p.Codename
}

// FileStem is `<family>_<participant>_<report date>`.
func (p *Participant) FileStem() string {
	if p.Date == "" {
		return p.ExternalID()
	}
	return p.ExternalID() + "_" + p.Date
}

// leadingColumns open every participant table.
var leadingColumns = []string{
	schema.ColPosition, schema.ColRef, schema.ColAlt,
	schema.ColZygosity, schema.ColBurden, schema.ColAltDepths,
	schema.ColGTs, schema.ColTrioCoverage,
}

// Split builds one Participant per entry in c.Participants, in that order.
// A report without participants yields none. Row order is preserved.
func Split(c *schema.Canonical, policy RowPolicy) ([]*Participant, error) {
	n := len(c.Participants)
	if n == 0 {
		return nil, nil
	}

	gts, err := splitColumn(c.Table, schema.ColGTs, n, splitGTs)
	if err != nil {
		return nil, err
	}
	coverage, err := splitColumn(c.Table, schema.ColTrioCoverage, n, splitCoverage)
	if err != nil {
		return nil, err
	}

	// Participant-invariant columns after the leading block, in canonical
	// order, excluding every scoped genotype column.
	var shared []int
	lead := make(map[string]bool, len(leadingColumns))
	for _, col := range leadingColumns {
		lead[col] = true
	}
	for i, col := range c.Columns {
		if lead[col] {
			continue
		}
		if _, _, ok := schema.SplitGenotypeColumn(col); ok {
			continue
		}
		shared = append(shared, i)
	}
	columns := append([]string(nil), leadingColumns...)
	for _, i := range shared {
		columns = append(columns, c.Columns[i])
	}

	pos, ref, alt := c.Index(schema.ColPosition), c.Index(schema.ColRef), c.Index(schema.ColAlt)

	out := make([]*Participant, 0, n)
	for p, sample := range c.Participants {
		zyg := c.Index(schema.GenotypeColumn(schema.ColZygosity, sample))
		bur := c.Index(schema.GenotypeColumn(schema.ColBurden, sample))
		ad := c.Index(schema.GenotypeColumn(schema.ColAltDepths, sample))

		t := report.NewTable(columns)
		for r, row := range c.Rows {
			z := cell(row, zyg)
			if policy == RowsCalled && (isNoCall(z) || strings.HasPrefix(row[pos], "MT")) {
				continue
			}
			vals := make([]string, 0, len(columns))
			vals = append(vals, row[pos], row[ref], row[alt], z, cell(row, bur), cell(row, ad), gts[r][p], coverage[r][p])
			for _, i := range shared {
				vals = append(vals, row[i])
			}
			t.Rows = append(t.Rows, vals)
		}

		out = append(out, &Participant{
			Name:        c.Name,
			Table:       t,
			Sample:      sample,
			Codename:    codename(c.Family, sample),
			Diagnostics: c.Diagnostics,
		})
	}
	return out, nil
}

func cell(row []string, idx int) string {
	if idx < 0 {
		return ""
	}
	return row[idx]
}

func isNoCall(z string) bool {
	switch z {
	case "-", "Insufficient coverage", "Insufficient_coverage":
		return true
	}
	return false
}

func codename(family, sample string) string {
	if rest, ok := strings.CutPrefix(sample, family+"_"); ok && rest != "" {
		return rest
	}
	return sample
}

// splitColumn unpacks a family column into per-row, per-participant
// values. A missing column yields empty values.
func splitColumn(t *report.Table, name string, n int, split func([]string, int) ([][]string, int, error)) ([][]string, error) {
	values, ok := t.Column(name)
	if !ok {
		values = make([]string, t.Len())
	}
	out, row, err := split(values, n)
	if err != nil {
		var ce *CountError
		if errors.As(err, &ce) {
			ce.Column = name
			ce.Row = row
		}
		return nil, err
	}
	return out, nil
}

func splitGTs(values []string, n int) ([][]string, int, error) {
	out := make([][]string, len(values))
	for r, v := range values {
		if v == "" {
			out[r] = make([]string, n)
			continue
		}
		parts := strings.Split(v, ",")
		if len(parts) != n {
			return nil, r, &CountError{Got: len(parts), Want: n}
		}
		out[r] = parts
	}
	return out, 0, nil
}

var isoDate = regexp.MustCompile(`[0-9]{4}-[0-9]{2}-[0-9]{2}`)

// splitCoverage unpacks trio coverage such as `12_30_8` or `12/30/8`.
// Spreadsheet exports turned some `03/05/06` values into `2003-05-06`;
// when both shapes occur in one column the dates are folded back.
func splitCoverage(values []string, n int) ([][]string, int, error) {
	values = append([]string(nil), values...)

	hasDate, hasSlash, hasUnderscore := false, false, false
	for _, v := range values {
		hasDate = hasDate || isoDate.MatchString(v)
		hasSlash = hasSlash || strings.Contains(v, "/")
	}
	if hasDate && hasSlash {
		for i, v := range values {
			if strings.HasPrefix(v, "20") && strings.Contains(v, "-") {
				v = v[2:]
			}
			values[i] = strings.ReplaceAll(v, "-", "/")
		}
	}
	for _, v := range values {
		hasUnderscore = hasUnderscore || strings.Contains(v, "_")
		hasSlash = hasSlash || strings.Contains(v, "/")
	}

	sep := ""
	switch {
	case hasUnderscore:
		sep = "_"
	case hasSlash:
		sep = "/"
	}

	out := make([][]string, len(values))
	for r, v := range values {
		if sep == "" || v == "" {
			// Singleton coverage applies to every participant.
			row := make([]string, n)
			for i := range row {
				row[i] = v
			}
			out[r] = row
			continue
		}
		parts := strings.Split(v, sep)
		if len(parts) != n {
			return nil, r, &CountError{Got: len(parts), Want: n}
		}
		out[r] = parts
	}
	return out, 0, nil
}
