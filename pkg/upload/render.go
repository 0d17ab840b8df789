package upload

import (
	"bytes"
	"encoding/csv"

	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/schema"
)

// FileName is the remote file name for p: `<eid>_<date>.csv`.
func FileName(p *demux.Participant) string {
	return p.FileStem() + ".csv"
}

// Render writes p in the store's template layout: TemplateColumns order
// and casing, with zygosity blanked unless it is Het or Hom. Columns
// outside the template are dropped.
func Render(p *demux.Participant) ([]byte, error) {
	idx := make([]int, len(schema.TemplateColumns))
	zyg := -1
	for i, h := range schema.TemplateColumns {
		name := schema.CanonicalName(h)
		idx[i] = p.Index(name)
		if name == schema.ColZygosity {
			zyg = i
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(schema.TemplateColumns); err != nil {
		return nil, err
	}
	out := make([]string, len(idx))
	for _, row := range p.Rows {
		for i, j := range idx {
			if j < 0 {
				out[i] = ""
				continue
			}
			out[i] = row[j]
		}
		if zyg >= 0 && out[zyg] != "Het" && out[zyg] != "Hom" {
			out[zyg] = ""
		}
		if err := w.Write(out); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
