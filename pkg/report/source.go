package report

import (
	"context"
	"fmt"
	"io"

	"github.com/3leaps/creupload/pkg/match"
	"github.com/3leaps/creupload/pkg/provider"
)

// Source is a discovered report object.
type Source struct {
	// Key is the object key inside the provider.
	Key string

	// Path is the display path used as the report name in the audit log.
	Path string

	Size int64
}

// Discover lists every object under loc that m accepts and whose extension
// Decode supports. Sources are returned in provider listing order.
func Discover(ctx context.Context, p provider.Provider, loc provider.Location, m *match.Matcher) ([]Source, error) {
	prefix := loc.Prefix + m.Prefix()

	var out []Source
	err := provider.Walk(ctx, p, prefix, func(obj provider.ObjectSummary) error {
		rel := obj.Key[len(loc.Prefix):]
		if !m.Match(rel) || !Supported(rel) {
			return nil
		}
		out = append(out, Source{Key: obj.Key, Path: loc.Join(obj.Key), Size: obj.Size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Load reads and decodes one report. maxBytes bounds the read; zero means
// unbounded.
func Load(ctx context.Context, p provider.Provider, src Source, maxBytes int64) (*Raw, error) {
	getter, ok := p.(provider.ObjectGetter)
	if !ok {
		return nil, fmt.Errorf("provider %T cannot read objects", p)
	}

	body, _, err := getter.GetObject(ctx, src.Key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var r io.Reader = body
	if maxBytes > 0 {
		r = io.LimitReader(body, maxBytes+1)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src.Path, err)
	}
	if maxBytes > 0 && int64(len(payload)) > maxBytes {
		return nil, fmt.Errorf("read %s: report exceeds %d bytes", src.Path, maxBytes)
	}

	table, err := Decode(src.Key, payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src.Path, err)
	}
	return &Raw{Name: ParseName(src.Path), Table: table}, nil
}
