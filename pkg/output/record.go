// Package output provides the JSONL outcome stream for upload runs.
//
// Output is structured as typed record envelopes containing run headers,
// participant outcomes, report errors, and a final summary. Each line is a
// self-contained JSON object that can be parsed independently, so an
// interrupted run still leaves a readable stream.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: creupload.<type>.v<version>
const (
	// TypeRun identifies the run header record.
	TypeRun = "creupload.run.v1"

	// TypeOutcome identifies participant outcome records.
	TypeOutcome = "creupload.outcome.v1"

	// TypeReportError identifies reports that failed before demultiplexing.
	TypeReportError = "creupload.report_error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "creupload.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "creupload.outcome.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this upload run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// RunRecord is the data payload written once when a run starts.
type RunRecord struct {
	Source   string   `json:"source"`
	Identity string   `json:"identity"`
	Resume   []string `json:"resume,omitempty"`
	Store    string   `json:"store,omitempty"`
	DryRun   bool     `json:"dry_run,omitempty"`
}

// OutcomeRecord is the data payload for one participant outcome.
type OutcomeRecord struct {
	ReportName     string   `json:"report_name"`
	Family         string   `json:"family"`
	EID            string   `json:"eid"`
	IID            string   `json:"iid,omitempty"`
	VariantsFound  int      `json:"variants_found"`
	MissingCols    []string `json:"missing_cols"`
	ExtraCols      []string `json:"extra_cols"`
	PostStatusCode *int     `json:"post_status_code"`
	Status         string   `json:"status"`
	FileName       string   `json:"file_name,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// ReportErrorRecord is the data payload for a report that could not be
// read, normalized, or demultiplexed.
type ReportErrorRecord struct {
	ReportName string `json:"report_name"`
	Family     string `json:"family"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error codes for ReportErrorRecord.
const (
	// ErrCodeRead indicates the report could not be fetched or decoded.
	ErrCodeRead = "READ"

	// ErrCodeSchema indicates no known layout matched the report.
	ErrCodeSchema = "SCHEMA"

	// ErrCodeDemux indicates packed family columns could not be split.
	ErrCodeDemux = "DEMUX"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Reports      int            `json:"reports"`
	ReportErrors int            `json:"report_errors"`
	Outcomes     int            `json:"outcomes"`
	ByStatus     map[string]int `json:"by_status"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
