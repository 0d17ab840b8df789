// Package runstate is a SQLite ledger of upload outcomes. It survives
// interrupted runs and can seed the next run's resume set.
package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/creupload/pkg/audit"
)

const schemaVersion = 1

type Store struct {
	db *sql.DB
}

// Open opens the ledger and creates its schema when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runstate_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO runstate_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			source TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			report_name TEXT NOT NULL,
			family TEXT NOT NULL,
			eid TEXT NOT NULL,
			iid TEXT,
			variants_found INTEGER NOT NULL,
			missing_cols TEXT NOT NULL,
			extra_cols TEXT NOT NULL,
			status_code INTEGER,
			status TEXT NOT NULL,
			file_name TEXT,
			error_message TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);`,
		`CREATE TABLE IF NOT EXISTS participants (
			eid TEXT PRIMARY KEY,
			iid TEXT,
			status TEXT NOT NULL,
			last_run_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// BeginRun registers runID. Re-registering an id is a no-op.
func (s *Store) BeginRun(ctx context.Context, runID, source string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, source, started_at) VALUES (?, ?, ?)`,
		runID, source, now)
	return err
}

// FinishRun stamps runID as finished.
func (s *Store) FinishRun(ctx context.Context, runID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE run_id = ?`, now, runID)
	return err
}

// RecordOutcome appends o to the run's outcomes and updates the
// participant's latest status in one transaction.
func (s *Store) RecordOutcome(ctx context.Context, runID string, o audit.Outcome) error {
	missing, err := json.Marshal(nonNil(o.MissingCols))
	if err != nil {
		return err
	}
	extra, err := json.Marshal(nonNil(o.ExtraCols))
	if err != nil {
		return err
	}
	var code sql.NullInt64
	if o.StatusCode != nil {
		code = sql.NullInt64{Int64: int64(*o.StatusCode), Valid: true}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outcomes (
			run_id, report_name, family, eid, iid, variants_found, missing_cols, extra_cols, status_code, status, file_name, error_message, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, o.ReportName, o.Family, o.ExternalID, o.InternalID, o.VariantsFound, string(missing), string(extra), code, string(o.Status), o.FileName, o.Error, now,
	); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO participants (eid, iid, status, last_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(eid) DO UPDATE SET
			iid=CASE WHEN excluded.iid = '' THEN participants.iid ELSE excluded.iid END,
			status=excluded.status,
			last_run_id=excluded.last_run_id,
			updated_at=excluded.updated_at
	`, o.ExternalID, o.InternalID, string(o.Status), runID, now); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}

	return tx.Commit()
}

// LoadResume adds every participant whose latest status is admitted by
// policy to set, and returns how many were added.
func (s *Store) LoadResume(ctx context.Context, policy audit.ResumePolicy, set *audit.ResumeSet) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT eid, status FROM participants ORDER BY eid`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var eid, status string
		if err := rows.Scan(&eid, &status); err != nil {
			return n, err
		}
		if policy.Admits(audit.Status(status)) {
			set.Add(eid)
			n++
		}
	}
	return n, rows.Err()
}

// Sink returns an audit.Sink writing outcomes under runID.
func (s *Store) Sink(runID string) audit.Sink {
	return &runSink{store: s, runID: runID}
}

type runSink struct {
	store *Store
	runID string
}

func (r *runSink) RecordOutcome(ctx context.Context, o audit.Outcome) error {
	return r.store.RecordOutcome(ctx, r.runID, o)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
