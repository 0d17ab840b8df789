package resolve

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/3leaps/creupload/pkg/report"
)

// Default mapping file columns.
const (
	DefaultKeyColumn   = "external_id"
	DefaultValueColumn = "report_id"
)

// StrategyMapping names the local mapping table strategy.
const StrategyMapping = "mapping"

// MappingResolver resolves external ids by exact key match against a
// pre-supplied table.
type MappingResolver struct {
	ids map[string]string
}

// NewMappingResolver builds a resolver from an in-memory map.
func NewMappingResolver(ids map[string]string) *MappingResolver {
	m := make(map[string]string, len(ids))
	for k, v := range ids {
		m[k] = v
	}
	return &MappingResolver{ids: m}
}

// LoadMappingFile reads a delimited or spreadsheet mapping file. Empty
// column names select the defaults.
func LoadMappingFile(path, keyColumn, valueColumn string) (*MappingResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()

	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	t, err := report.Decode(path, payload)
	if err != nil {
		return nil, fmt.Errorf("decode mapping file %s: %w", path, err)
	}
	return MappingFromTable(t, keyColumn, valueColumn)
}

// MappingFromTable builds a resolver from two columns of t. Column names
// match case-insensitively. Rows with an empty key are ignored; a repeated
// key with a different value is an error.
func MappingFromTable(t *report.Table, keyColumn, valueColumn string) (*MappingResolver, error) {
	if keyColumn == "" {
		keyColumn = DefaultKeyColumn
	}
	if valueColumn == "" {
		valueColumn = DefaultValueColumn
	}
	ki, vi := columnIndex(t, keyColumn), columnIndex(t, valueColumn)
	if ki < 0 || vi < 0 {
		return nil, fmt.Errorf("mapping table needs columns %q and %q, has %v", keyColumn, valueColumn, t.Columns)
	}

	ids := make(map[string]string, t.Len())
	for n, row := range t.Rows {
		key := strings.TrimSpace(row[ki])
		val := strings.TrimSpace(row[vi])
		if key == "" {
			continue
		}
		if prev, ok := ids[key]; ok && prev != val {
			return nil, fmt.Errorf("mapping row %d: %s maps to both %s and %s", n+2, key, prev, val)
		}
		ids[key] = val
	}
	return &MappingResolver{ids: ids}, nil
}

func columnIndex(t *report.Table, name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Resolve looks up externalID. A missing key or empty value is ErrNotFound.
func (m *MappingResolver) Resolve(_ context.Context, externalID string) (Identity, error) {
	id, ok := m.ids[externalID]
	if !ok || id == "" {
		return Identity{}, &Error{ExternalID: externalID, Strategy: StrategyMapping, Err: ErrNotFound}
	}
	return Identity{ExternalID: externalID, InternalID: id, Source: StrategyMapping}, nil
}

// Len returns the number of mapped ids.
func (m *MappingResolver) Len() int {
	return len(m.ids)
}
