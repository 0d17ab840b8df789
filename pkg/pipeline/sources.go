package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/creupload/pkg/match"
	"github.com/3leaps/creupload/pkg/provider"
	"github.com/3leaps/creupload/pkg/provider/file"
	"github.com/3leaps/creupload/pkg/provider/s3"
	"github.com/3leaps/creupload/pkg/report"
)

// OpenProvider opens the backend for loc. s3Base supplies region, endpoint
// and credentials; its Bucket is taken from loc.
func OpenProvider(ctx context.Context, loc provider.Location, s3Base s3.Config) (provider.Provider, error) {
	switch loc.Provider {
	case provider.ProviderS3:
		cfg := s3Base
		cfg.Bucket = loc.Bucket
		return s3.New(ctx, cfg)
	case provider.ProviderFile:
		return file.New(file.Config{BaseDir: loc.Dir})
	}
	return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedProvider, loc.Provider)
}

// SourceSet is an opened report location and the reports found in it.
type SourceSet struct {
	Provider provider.Provider
	Location provider.Location
	Sources  []report.Source

	// Single is set when the location named one report file.
	Single bool
}

// Close releases the provider.
func (s *SourceSet) Close() error {
	if s == nil || s.Provider == nil {
		return nil
	}
	return s.Provider.Close()
}

// OpenSources resolves a report location. A location naming one supported
// report file yields just that file; anything else is listed and filtered
// with m.
func OpenSources(ctx context.Context, location string, m *match.Matcher, s3Base s3.Config) (*SourceSet, error) {
	loc, single, err := splitSingle(location)
	if err != nil {
		return nil, err
	}
	p, err := OpenProvider(ctx, loc, s3Base)
	if err != nil {
		return nil, err
	}
	set := &SourceSet{Provider: p, Location: loc, Single: single != ""}

	if single != "" {
		set.Sources = []report.Source{{Key: loc.Prefix + single, Path: loc.Join(loc.Prefix + single)}}
		return set, nil
	}
	set.Sources, err = report.Discover(ctx, p, loc, m)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return set, nil
}

// splitSingle returns the containing location and the file name when
// location names a single report.
func splitSingle(location string) (provider.Location, string, error) {
	loc, err := provider.ParseLocation(location)
	if err != nil {
		return provider.Location{}, "", err
	}

	switch loc.Provider {
	case provider.ProviderFile:
		info, err := os.Stat(loc.Dir)
		if err != nil {
			return provider.Location{}, "", fmt.Errorf("%w: %s", provider.ErrNotFound, loc.Dir)
		}
		if info.IsDir() {
			return loc, "", nil
		}
		name := filepath.Base(loc.Dir)
		loc.Dir = filepath.Dir(loc.Dir)
		return loc, name, nil

	case provider.ProviderS3:
		key := strings.TrimSuffix(loc.Prefix, "/")
		if key == "" || strings.HasSuffix(location, "/") || !report.Supported(key) {
			return loc, "", nil
		}
		dir, name := path.Split(key)
		loc.Prefix = dir
		return loc, name, nil
	}
	return loc, "", nil
}

// ResultsName is the base name for a run's audit outputs:
// `variant-store-results-<date>` for a directory run and
// `variant-store-results-<report>-on-<date>` for a single report.
func ResultsName(set *SourceSet, now time.Time) string {
	date := now.Format("2006-01-02")
	if set != nil && set.Single && len(set.Sources) == 1 {
		base := path.Base(filepath.ToSlash(set.Sources[0].Key))
		base = strings.TrimSuffix(base, path.Ext(base))
		return "variant-store-results-" + base + "-on-" + date
	}
	return "variant-store-results-" + date
}
