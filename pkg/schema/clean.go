package schema

import (
	"strings"

	"github.com/3leaps/creupload/pkg/report"
)

// clinvarCodes decodes numeric ClinVar significance codes that leaked into
// older reports.
var clinvarCodes = map[string]string{
	"255": "other",
	"0":   "uncertain",
	"1":   "not-provided",
	"2":   "benign",
	"3":   "likely-benign",
	"4":   "likely-pathogenic",
	"5":   "pathogenic",
	"6":   "drug-response",
	"7":   "histocompatability",
}

// clean applies value fixes in place. present marks canonical columns that
// were backed by a raw column; fills for depth and pseudoautosomal only
// apply where the raw report had the column.
func clean(t *report.Table, present map[string]bool) {
	for _, row := range t.Rows {
		for j, v := range row {
			if v == "None" {
				row[j] = ""
			}
		}
	}

	mapColumn(t, "variation", strings.ToLower)
	for _, c := range []string{"omim_phenotype", "orphanet"} {
		mapColumn(t, c, nullIf("0"))
	}
	for _, c := range []string{"conserved_in_20_mammals", "vest3_score", "revel_score", "gerp_score"} {
		mapColumn(t, c, nullIf("."))
	}
	if present["depth"] {
		mapColumn(t, "depth", func(v string) string {
			if v == "" {
				return "0"
			}
			return v
		})
	}
	if present["pseudoautosomal"] {
		mapColumn(t, "pseudoautosomal", func(v string) string {
			switch v {
			case "Yes":
				return "1"
			case "":
				return "0"
			}
			return v
		})
	}
	for _, c := range []string{"ucsc_link", "gnomad_link"} {
		mapColumn(t, c, unwrapHyperlink)
	}
	mapColumn(t, "clinvar", cleanClinvar)

	// Some exports repeat the header mid-file; such columns are unusable.
	for _, c := range []string{"number_of_callers", "frequency_in_c4r"} {
		if values, ok := t.Column(c); ok {
			for _, v := range values {
				if strings.EqualFold(v, c) {
					mapColumn(t, c, func(string) string { return "" })
					break
				}
			}
		}
	}

	// Deprecated by the remote store; a populated value is rejected there.
	mapColumn(t, "seen_in_c4r_samples", func(string) string { return "" })
}

func mapColumn(t *report.Table, name string, fn func(string) string) {
	idx := t.Index(name)
	if idx < 0 {
		return
	}
	for _, row := range t.Rows {
		row[idx] = fn(row[idx])
	}
}

func nullIf(sentinel string) func(string) string {
	return func(v string) string {
		if v == sentinel {
			return ""
		}
		return v
	}
}

// unwrapHyperlink reduces a spreadsheet HYPERLINK formula to its first
// quoted argument. Plain values pass through.
func unwrapHyperlink(v string) string {
	start := strings.IndexByte(v, '"')
	if start < 0 {
		return v
	}
	end := strings.IndexByte(v[start+1:], '"')
	if end < 0 {
		return v
	}
	return v[start+1 : start+1+end]
}

func cleanClinvar(v string) string {
	if v == "" {
		return ""
	}
	if i := strings.LastIndexByte(v, ';'); i >= 0 {
		v = v[i+1:]
	}
	v = strings.ReplaceAll(v, "/", "|")

	parts := strings.Split(v, "|")
	for i, p := range parts {
		if decoded, ok := clinvarCodes[strings.TrimSpace(p)]; ok {
			parts[i] = decoded
		}
	}
	v = strings.ToLower(strings.Join(parts, "|"))
	if v == "none" {
		return ""
	}
	return v
}
