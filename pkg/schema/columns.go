// Package schema maps CRE reports of any known historical layout onto the
// canonical variant-record schema and records column drift.
//
// The canonical layout has three kinds of columns:
//   - variant columns: locus and annotation fields shared by the whole family
//   - family columns: one cell per variant packing a value per participant
//     (gts, trio_coverage)
//   - genotype groups: zygosity, burden and alt_depths scoped to one
//     participant as `<field>.<sample>`
package schema

import "strings"

// TemplateColumns is the remote store's singleton report header, in order
// and with its casing.
var TemplateColumns = []string{
	"#Position",
	"UCSC_Link",
	"GNOMAD_Link",
	"Ref",
	"Alt",
	"Zygosity",
	"Gene",
	"Burden",
	"gts",
	"Variation",
	"Info",
	"Refseq_change",
	"Depth",
	"Quality",
	"Alt_depths",
	"Trio_coverage",
	"Ensembl_gene_id",
	"Gene_description",
	"omim_phenotype",
	"omim_inheritance",
	"Orphanet",
	"Clinvar",
	"Frequency_in_C4R",
	"Seen_in_C4R_samples",
	"HGMD_id",
	"HGMD_gene",
	"HGMD_tag",
	"HGMD_ref",
	"Gnomad_af_popmax",
	"Gnomad_af",
	"Gnomad_ac",
	"Gnomad_hom",
	"Ensembl_transcript_id",
	"AA_position",
	"Exon",
	"Protein_domains",
	"rsIDs",
	"Gnomad_oe_lof_score",
	"Gnomad_oe_mis_score",
	"Exac_pli_score",
	"Exac_prec_score",
	"Exac_pnull_score",
	"Conserved_in_20_mammals",
	"SpliceAI_impact",
	"SpliceAI_score",
	"Sift_score",
	"Polyphen_score",
	"Cadd_score",
	"Vest3_score",
	"Revel_score",
	"Gerp_score",
	"Imprinting_status",
	"Imprinting_expressed_allele",
	"Pseudoautosomal",
	"Number_of_callers",
	"Old_multiallelic",
	"UCE_100bp",
	"UCE_200bp",
}

// Canonical column names used by the cleaning rules and the demultiplexer.
const (
	ColPosition       = "position"
	ColRef            = "ref"
	ColAlt            = "alt"
	ColZygosity       = "zygosity"
	ColBurden         = "burden"
	ColAltDepths      = "alt_depths"
	ColGTs            = "gts"
	ColTrioCoverage   = "trio_coverage"
	ColSpliceAIImpact = "spliceai_impact"
	ColSpliceAIScore  = "spliceai_score"
)

// GenotypeFields are the per-participant attribute groups, in template order.
var GenotypeFields = []string{ColZygosity, ColBurden, ColAltDepths}

// FamilyFields pack one value per participant into a single cell.
var FamilyFields = []string{ColGTs, ColTrioCoverage}

// VariantColumns are the participant-invariant canonical columns in
// template order.
var VariantColumns = variantColumns()

// KeyColumns identify a variant; a report without them cannot be normalized.
var KeyColumns = []string{ColPosition, ColRef, ColAlt}

// CanonicalName maps a template or raw header to its canonical spelling.
func CanonicalName(header string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(header), "#"))
}

// GenotypeColumn returns the scoped column name of field for sample.
func GenotypeColumn(field, sample string) string {
	return field + "." + sample
}

// SplitGenotypeColumn recognizes `<field>.<sample>` headers. The field
// prefix is matched case-insensitively; the sample keeps its casing.
func SplitGenotypeColumn(header string) (field, sample string, ok bool) {
	h := strings.TrimSpace(header)
	dot := strings.IndexByte(h, '.')
	if dot <= 0 || dot == len(h)-1 {
		return "", "", false
	}
	prefix := strings.ToLower(h[:dot])
	for _, f := range GenotypeFields {
		if prefix == f {
			return f, strings.TrimSpace(h[dot+1:]), true
		}
	}
	return "", "", false
}

func variantColumns() []string {
	skip := make(map[string]bool)
	for _, c := range GenotypeFields {
		skip[c] = true
	}
	for _, c := range FamilyFields {
		skip[c] = true
	}
	out := make([]string, 0, len(TemplateColumns))
	for _, c := range TemplateColumns {
		name := CanonicalName(c)
		if !skip[name] {
			out = append(out, name)
		}
	}
	return out
}

func isVariantOrFamily(name string) bool {
	for _, c := range VariantColumns {
		if c == name {
			return true
		}
	}
	for _, c := range FamilyFields {
		if c == name {
			return true
		}
	}
	return false
}
