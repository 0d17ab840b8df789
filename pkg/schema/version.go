package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Version describes one historical report layout.
//
// A raw header set is read through a version by applying Renames (raw
// lowercase name to canonical name). Columns in Absent never appear in
// reports of this layout, so their presence rules the version out.
type Version struct {
	ID string

	// Renames maps legacy raw names onto canonical names.
	Renames map[string]string

	// Absent lists raw names that contradict this layout.
	Absent []string

	// CombinedSpliceAI marks layouts where spliceai_score carries the
	// `|`-delimited impact string and spliceai_impact does not exist.
	CombinedSpliceAI bool
}

// Signature returns the raw lowercase column names a report of this layout
// carries for the participant-invariant canonical columns, sorted.
func (v Version) Signature() []string {
	reverse := make(map[string]string, len(v.Renames))
	for raw, canon := range v.Renames {
		reverse[canon] = raw
	}

	var sig []string
	for _, canon := range append(append([]string(nil), VariantColumns...), FamilyFields...) {
		if v.CombinedSpliceAI && canon == ColSpliceAIImpact {
			continue
		}
		if raw, ok := reverse[canon]; ok {
			sig = append(sig, raw)
			continue
		}
		sig = append(sig, canon)
	}
	sort.Strings(sig)
	return sig
}

// canonical returns the canonical name for a raw lowercase column.
func (v Version) canonical(raw string) string {
	if c, ok := v.Renames[raw]; ok {
		return c
	}
	return raw
}

// Known layouts, most recent first.
var (
	// V2021 split SpliceAI into a numeric score and a separate impact column
	// (reports generated from 2021-01 onwards).
	V2021 = Version{
		ID: "v3-2021",
	}

	// V2020 carries the impact string in spliceai_score.
	V2020 = Version{
		ID:               "v2-2020",
		Absent:           []string{ColSpliceAIImpact, "omim_gene_description", "c4r_wes_samples"},
		CombinedSpliceAI: true,
	}

	// VLegacy predates the omim_phenotype and seen_in_c4r_samples names.
	VLegacy = Version{
		ID: "v1-legacy",
		Renames: map[string]string{
			"omim_gene_description": "omim_phenotype",
			"c4r_wes_samples":       "seen_in_c4r_samples",
		},
		Absent:           []string{ColSpliceAIImpact},
		CombinedSpliceAI: true,
	}
)

// KnownVersions is the closed set consulted by the default normalizer.
var KnownVersions = []Version{V2021, V2020, VLegacy}

// MinCoverage is the share of a version's signature a report must carry for
// the version to be considered a match.
const MinCoverage = 0.5

// ErrUnrecognizedSchema indicates no known layout fits a report's columns.
var ErrUnrecognizedSchema = errors.New("unrecognized report schema")

// RecognitionError is returned when a report matches no known version. It is
// fatal for that report only.
type RecognitionError struct {
	Report   string
	Best     string
	Coverage float64
	Reason   string
}

func (e *RecognitionError) Error() string {
	if e.Best == "" {
		return fmt.Sprintf("%s: %v: %s", e.Report, ErrUnrecognizedSchema, e.Reason)
	}
	return fmt.Sprintf("%s: %v: best candidate %s covers %.0f%% (%s)",
		e.Report, ErrUnrecognizedSchema, e.Best, e.Coverage*100, e.Reason)
}

func (e *RecognitionError) Unwrap() error {
	return ErrUnrecognizedSchema
}

// IsUnrecognized reports whether err is a schema recognition failure.
func IsUnrecognized(err error) bool {
	return errors.Is(err, ErrUnrecognizedSchema)
}

// Match is the outcome of comparing a header set against one version.
type Match struct {
	Version  Version
	Coverage float64
	Reason   string
}

// Compatible reports whether the match can be used for normalization.
func (m Match) Compatible() bool {
	return m.Reason == ""
}

// Evaluate scores a raw lowercase column set against v.
func Evaluate(v Version, raw map[string]bool) Match {
	sig := v.Signature()
	present := 0
	for _, c := range sig {
		if raw[c] {
			present++
		}
	}
	m := Match{Version: v, Coverage: float64(present) / float64(len(sig))}

	for _, c := range v.Absent {
		if raw[c] {
			m.Reason = fmt.Sprintf("column %q does not occur in %s reports", c, v.ID)
			return m
		}
	}
	for _, key := range KeyColumns {
		found := false
		for r := range raw {
			if v.canonical(r) == key {
				found = true
				break
			}
		}
		if !found {
			m.Reason = fmt.Sprintf("key column %q missing", key)
			return m
		}
	}
	if m.Coverage < MinCoverage {
		m.Reason = fmt.Sprintf("coverage below %.0f%%", MinCoverage*100)
	}
	return m
}

// BestMatch selects the compatible version with the highest coverage. Ties
// go to the version listed first. When none is compatible, the highest
// scoring candidate is returned with ok=false.
func BestMatch(versions []Version, raw map[string]bool) (best Match, ok bool) {
	var fallback Match
	haveFallback := false
	for _, v := range versions {
		m := Evaluate(v, raw)
		if m.Compatible() {
			if !ok || m.Coverage > best.Coverage {
				best, ok = m, true
			}
			continue
		}
		if !haveFallback || m.Coverage > fallback.Coverage {
			fallback, haveFallback = m, true
		}
	}
	if ok {
		return best, true
	}
	return fallback, false
}
