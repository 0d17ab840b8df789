package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/creupload/pkg/report"
)

var family258 = []string{"258_130201A", "258_CH0615", "258_CH0648"}

func rawReport(header []string, rows ...[]string) *report.Raw {
	t := report.NewTable(header)
	for _, r := range rows {
		t.Append(r)
	}
	return &report.Raw{Name: report.ParseName("results/258/258.wes.2020-04-17.csv"), Table: t}
}

// headerFor builds a raw header carrying exactly v's signature plus a full
// genotype group per sample.
func headerFor(v Version, samples []string) []string {
	h := v.Signature()
	for _, s := range samples {
		h = append(h, "Zygosity."+s, "Burden."+s, "Alt_depths."+s)
	}
	return h
}

func rowFor(header []string, set map[string]string) []string {
	row := make([]string, len(header))
	for i, h := range header {
		if v, ok := set[h]; ok {
			row[i] = v
			continue
		}
		row[i] = "x"
	}
	return row
}

func without(cols []string, drop ...string) []string {
	skip := make(map[string]bool)
	for _, d := range drop {
		skip[d] = true
	}
	var out []string
	for _, c := range cols {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

func TestVariantColumns(t *testing.T) {
	assert.Len(t, TemplateColumns, 58)
	assert.Len(t, VariantColumns, 53)
	assert.Equal(t, "position", VariantColumns[0])
	assert.Equal(t, "uce_200bp", VariantColumns[len(VariantColumns)-1])
	assert.NotContains(t, VariantColumns, "zygosity")
	assert.NotContains(t, VariantColumns, "trio_coverage")
}

func TestSplitGenotypeColumn(t *testing.T) {
	tests := []struct {
		header string
		field  string
		sample string
		ok     bool
	}{
		{"Zygosity.258_CH0615", "zygosity", "258_CH0615", true},
		{"alt_depths.1389_ch0200", "alt_depths", "1389_ch0200", true},
		{"Burden. 258_A ", "burden", "258_A", true},
		{"Zygosity", "", "", false},
		{"Zygosity.", "", "", false},
		{"Gene.name", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			f, s, ok := SplitGenotypeColumn(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.field, f)
			assert.Equal(t, tt.sample, s)
		})
	}
}

func TestNormalize_KnownVersionsHaveNoDrift(t *testing.T) {
	n := NewNormalizer(DefaultOptions(), nil)
	for _, v := range KnownVersions {
		t.Run(v.ID, func(t *testing.T) {
			header := headerFor(v, family258)
			c, err := n.Normalize(rawReport(header, rowFor(header, nil)))
			require.NoError(t, err)
			assert.Equal(t, v.ID, c.Version)
			assert.Empty(t, c.Diagnostics.Missing)
			assert.Empty(t, c.Diagnostics.Extra)
			assert.Equal(t, family258, c.Participants)
		})
	}
}

func TestNormalize_DiagnosticsPartition(t *testing.T) {
	header := append(without(headerFor(V2021, family258[:2]), "uce_100bp", "uce_200bp", "Burden.258_CH0615"),
		"Qual_by_depth", "C4R_internal")

	c, err := NewNormalizer(Options{}, nil).Normalize(rawReport(header, rowFor(header, nil)))
	require.NoError(t, err)

	assert.Equal(t, []string{"uce_100bp", "uce_200bp", "burden.258_CH0615"}, c.Diagnostics.Missing)
	assert.Equal(t, []string{"Qual_by_depth", "C4R_internal"}, c.Diagnostics.Extra)

	canonical := make(map[string]bool)
	for _, col := range c.Columns {
		canonical[col] = true
	}
	rawSet := make(map[string]bool)
	for _, h := range header {
		rawSet[h] = true
	}
	for _, m := range c.Diagnostics.Missing {
		assert.True(t, canonical[m], "missing %q must be canonical", m)
		assert.False(t, rawSet[m], "missing %q must be absent from raw", m)
	}
	for _, e := range c.Diagnostics.Extra {
		assert.True(t, rawSet[e], "extra %q must come from raw", e)
		assert.False(t, canonical[e], "extra %q must not be canonical", e)
	}

	// Missing canonical columns are present but empty.
	uce, ok := c.Column("uce_100bp")
	require.True(t, ok)
	assert.Equal(t, []string{""}, uce)
}

func TestNormalize_KeepExtraColumns(t *testing.T) {
	header := append(headerFor(V2021, family258[:1]), "Qual_by_depth")
	row := rowFor(header, map[string]string{"Qual_by_depth": "12.5"})

	dropped, err := NewNormalizer(Options{}, nil).Normalize(rawReport(header, row))
	require.NoError(t, err)
	assert.False(t, dropped.Has("Qual_by_depth"))
	assert.Equal(t, []string{"Qual_by_depth"}, dropped.Diagnostics.Extra)

	kept, err := NewNormalizer(Options{KeepExtraColumns: true}, nil).Normalize(rawReport(header, row))
	require.NoError(t, err)
	vals, ok := kept.Column("Qual_by_depth")
	require.True(t, ok)
	assert.Equal(t, []string{"12.5"}, vals)
	assert.Equal(t, dropped.Diagnostics, kept.Diagnostics)
}

func TestNormalize_LegacyRenamesAndSpliceAI(t *testing.T) {
	header := headerFor(VLegacy, family258[:1])
	row := rowFor(header, map[string]string{
		"omim_gene_description": "Seizures",
		"spliceai_score":        "A|SCN1A|0.91",
		"c4r_wes_samples":       "3",
	})

	c, err := NewNormalizer(DefaultOptions(), nil).Normalize(rawReport(header, row))
	require.NoError(t, err)
	assert.Equal(t, VLegacy.ID, c.Version)

	get := func(col string) string {
		v, ok := c.Column(col)
		require.True(t, ok, col)
		return v[0]
	}
	assert.Equal(t, "Seizures", get("omim_phenotype"))
	assert.Equal(t, "A|SCN1A|0.91", get("spliceai_impact"))
	assert.Equal(t, "", get("spliceai_score"))
	assert.Equal(t, "", get("seen_in_c4r_samples"))
}

func TestNormalize_Unrecognized(t *testing.T) {
	tests := []struct {
		name   string
		header []string
	}{
		{"unrelated", []string{"sample", "read_count", "lane"}},
		{"no key columns", without(V2021.Signature(), "position")},
		{"too sparse", []string{"position", "ref", "alt", "gene"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNormalizer(DefaultOptions(), nil).Normalize(rawReport(tt.header))
			require.Error(t, err)
			assert.True(t, IsUnrecognized(err))
			var re *RecognitionError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, "results/258/258.wes.2020-04-17.csv", re.Report)
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	header := append(without(headerFor(V2020, family258), "gene", "exon"), "extra_b", "extra_a")
	row := rowFor(header, nil)
	n := NewNormalizer(DefaultOptions(), nil)

	first, err := n.Normalize(rawReport(header, row))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := n.Normalize(rawReport(header, row))
		require.NoError(t, err)
		assert.Equal(t, first.Version, again.Version)
		assert.Equal(t, first.Diagnostics, again.Diagnostics)
		assert.Equal(t, first.Columns, again.Columns)
		assert.Equal(t, first.Rows, again.Rows)
	}
}

func TestNormalize_DropDuplicates(t *testing.T) {
	header := headerFor(V2021, family258[:1])
	a := rowFor(header, map[string]string{"position": "1:100", "ref": "A", "alt": "G", "gene": "first"})
	b := rowFor(header, map[string]string{"position": "1:100", "ref": "A", "alt": "G", "gene": "second"})
	c := rowFor(header, map[string]string{"position": "1:100", "ref": "A", "alt": "T"})

	out, err := NewNormalizer(DefaultOptions(), nil).Normalize(rawReport(header, a, b, c))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, 1, out.DuplicatesDropped)
	genes, _ := out.Column("gene")
	assert.Equal(t, "first", genes[0])

	keep, err := NewNormalizer(Options{}, nil).Normalize(rawReport(header, a, b, c))
	require.NoError(t, err)
	assert.Equal(t, 3, keep.Len())
}

func TestBestMatch_PrefersMostRecentOnTie(t *testing.T) {
	raw := map[string]bool{"position": true, "ref": true, "alt": true}
	a := Version{ID: "newer"}
	b := Version{ID: "older"}
	m, ok := BestMatch([]Version{a, b}, raw)
	assert.False(t, ok)
	assert.Equal(t, "newer", m.Version.ID)

	full := make(map[string]bool)
	for _, c := range a.Signature() {
		full[c] = true
	}
	m, ok = BestMatch([]Version{a, b}, full)
	require.True(t, ok)
	assert.Equal(t, "newer", m.Version.ID)
	assert.InDelta(t, 1.0, m.Coverage, 1e-9)
}
