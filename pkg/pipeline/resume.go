package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/creupload/pkg/audit"
	"github.com/3leaps/creupload/pkg/runstate"
)

// IsLedgerPath reports whether path names a run ledger database.
func IsLedgerPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return strings.HasPrefix(path, "libsql://")
}

// LedgerConfig returns the run ledger configuration for a path or a
// libsql:// URL.
func LedgerConfig(src string) runstate.Config {
	if strings.HasPrefix(src, "libsql://") {
		return runstate.Config{URL: src}
	}
	return runstate.Config{Path: src}
}

// LoadResume builds the resume set from prior-run outputs: nested JSON
// logs, JSONL outcome streams, or run ledgers. An unreadable source is an
// error.
func LoadResume(ctx context.Context, sources []string, policy audit.ResumePolicy) (*audit.ResumeSet, error) {
	set := audit.NewResumeSet()
	for _, src := range sources {
		if IsLedgerPath(src) {
			cfg := LedgerConfig(src)
			if cfg.Path != "" {
				if _, err := os.Stat(src); err != nil {
					return nil, fmt.Errorf("resume from %s: %w", src, err)
				}
			}
			st, err := runstate.Open(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("resume from %s: %w", src, err)
			}
			_, err = st.LoadResume(ctx, policy, set)
			_ = st.Close()
			if err != nil {
				return nil, fmt.Errorf("resume from %s: %w", src, err)
			}
			continue
		}
		if err := set.LoadResumeFile(src, policy); err != nil {
			return nil, fmt.Errorf("resume from %s: %w", src, err)
		}
	}
	return set, nil
}
