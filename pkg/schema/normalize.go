package schema

import (
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/creupload/pkg/report"
)

// Diagnostics records column drift between a raw report and the canonical
// schema. Missing holds canonical names; Extra holds raw headers as written.
type Diagnostics struct {
	Missing []string `json:"missing_cols"`
	Extra   []string `json:"extra_cols"`
}

// Options configures normalization.
type Options struct {
	// KeepExtraColumns appends unmatched raw columns after the canonical
	// ones instead of dropping them. Either way they are reported as extra.
	KeepExtraColumns bool

	// DropDuplicates removes repeated (position, ref, alt) rows, keeping
	// the first.
	DropDuplicates bool
}

// DefaultOptions drops extra columns and duplicate variants.
func DefaultOptions() Options {
	return Options{DropDuplicates: true}
}

// Canonical is a family-level report in canonical layout.
type Canonical struct {
	report.Name
	*report.Table

	// Version is the ID of the layout the raw report was read as.
	Version string

	// Participants are the sample names found in genotype column headers,
	// in raw column order.
	Participants []string

	Diagnostics Diagnostics

	// DuplicatesDropped counts rows removed by duplicate detection.
	DuplicatesDropped int
}

// Normalizer infers a report's layout and rewrites it canonically.
type Normalizer struct {
	versions []Version
	opts     Options
	log      *zap.Logger
}

// NewNormalizer returns a normalizer over KnownVersions.
func NewNormalizer(opts Options, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{versions: KnownVersions, opts: opts, log: logger}
}

// sampleSpellings maps each lowercased sample name to the spelling used
// for its participant: the first Zygosity column naming it, otherwise the
// first genotype column of any group.
func sampleSpellings(headers []string) map[string]string {
	out := make(map[string]string)
	for pass := 0; pass < 2; pass++ {
		for _, h := range headers {
			field, sample, ok := SplitGenotypeColumn(h)
			if !ok || (pass == 0 && field != ColZygosity) {
				continue
			}
			key := strings.ToLower(sample)
			if _, seen := out[key]; !seen {
				out[key] = sample
			}
		}
	}
	return out
}

type sourceColumn struct {
	index  int
	header string
}

// Normalize maps raw onto the canonical schema. The same header set always
// yields the same version, layout and diagnostics.
func (n *Normalizer) Normalize(raw *report.Raw) (*Canonical, error) {
	lower := make(map[string]bool, len(raw.Columns))
	for _, h := range raw.Columns {
		if _, _, ok := SplitGenotypeColumn(h); ok {
			continue
		}
		lower[CanonicalName(h)] = true
	}

	m, ok := BestMatch(n.versions, lower)
	if !ok {
		return nil, &RecognitionError{Report: raw.Path, Best: m.Version.ID, Coverage: m.Coverage, Reason: m.Reason}
	}
	v := m.Version

	// Resolve every raw column to a canonical slot, first occurrence wins.
	sources := make(map[string]sourceColumn)
	spelling := sampleSpellings(raw.Columns)
	var participants []string
	seenSample := make(map[string]bool)
	var extra []sourceColumn
	for i, h := range raw.Columns {
		if field, sample, ok := SplitGenotypeColumn(h); ok {
			sample = spelling[strings.ToLower(sample)]
			name := GenotypeColumn(field, sample)
			if _, dup := sources[name]; dup {
				extra = append(extra, sourceColumn{index: i, header: h})
				continue
			}
			sources[name] = sourceColumn{index: i, header: h}
			if !seenSample[sample] {
				seenSample[sample] = true
				participants = append(participants, sample)
			}
			continue
		}
		name := v.canonical(CanonicalName(h))
		if _, dup := sources[name]; dup || !isVariantOrFamily(name) {
			extra = append(extra, sourceColumn{index: i, header: h})
			continue
		}
		sources[name] = sourceColumn{index: i, header: h}
	}

	columns := make([]string, 0, len(VariantColumns)+len(FamilyFields)+len(participants)*len(GenotypeFields)+len(extra))
	columns = append(columns, VariantColumns...)
	columns = append(columns, FamilyFields...)
	for _, s := range participants {
		for _, f := range GenotypeFields {
			columns = append(columns, GenotypeColumn(f, s))
		}
	}

	var diag Diagnostics
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		_, ok := sources[c]
		if c == ColSpliceAIImpact && v.CombinedSpliceAI {
			_, ok = sources[ColSpliceAIScore]
		}
		present[c] = ok
		if !ok {
			diag.Missing = append(diag.Missing, c)
		}
	}
	for _, e := range extra {
		diag.Extra = append(diag.Extra, e.header)
	}

	width := len(columns)
	if n.opts.KeepExtraColumns {
		for _, e := range extra {
			columns = append(columns, e.header)
		}
	}

	table := report.NewTable(columns)
	for _, row := range raw.Rows {
		out := make([]string, len(columns))
		for j := 0; j < width; j++ {
			if src, ok := sources[columns[j]]; ok {
				out[j] = row[src.index]
			}
		}
		if n.opts.KeepExtraColumns {
			for k, e := range extra {
				out[width+k] = row[e.index]
			}
		}
		if v.CombinedSpliceAI {
			if src, ok := sources[ColSpliceAIScore]; ok {
				out[table.Index(ColSpliceAIImpact)] = row[src.index]
				out[table.Index(ColSpliceAIScore)] = ""
			}
		}
		table.Rows = append(table.Rows, out)
	}

	clean(table, present)

	c := &Canonical{
		Name:         raw.Name,
		Table:        table,
		Version:      v.ID,
		Participants: participants,
		Diagnostics:  diag,
	}
	if n.opts.DropDuplicates {
		c.DuplicatesDropped = dropDuplicates(table)
	}

	n.log.Debug("report normalized",
		zap.String("report", raw.Path),
		zap.String("version", v.ID),
		zap.Float64("coverage", m.Coverage),
		zap.Int("participants", len(participants)),
		zap.Strings("missing_cols", diag.Missing),
		zap.Strings("extra_cols", diag.Extra),
	)
	if c.DuplicatesDropped > 0 {
		n.log.Info("duplicate variants dropped",
			zap.String("report", raw.Path),
			zap.Int("dropped", c.DuplicatesDropped),
			zap.Int("remaining", table.Len()),
		)
	}
	return c, nil
}

// dropDuplicates removes rows repeating an earlier (position, ref, alt) and
// returns how many were removed.
func dropDuplicates(t *report.Table) int {
	pos, ref, alt := t.Index(ColPosition), t.Index(ColRef), t.Index(ColAlt)
	seen := make(map[string]bool, len(t.Rows))
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		key := strings.Join([]string{row[pos], row[ref], row[alt]}, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, row)
	}
	dropped := len(t.Rows) - len(kept)
	t.Rows = kept
	return dropped
}
