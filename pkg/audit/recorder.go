package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/creupload/pkg/output"
)

// Sink receives each outcome as it is recorded.
type Sink interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

// Recorder owns the audit log for one run. It is safe for concurrent use;
// outcomes keep their append order.
type Recorder struct {
	mu      sync.Mutex
	reports []*ReportEntry
	index   map[string]int
	counts  map[Status]int
	sinks   []Sink
	log     *zap.Logger
}

// NewRecorder returns an empty recorder fanning outcomes out to sinks.
func NewRecorder(logger *zap.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		index:  make(map[string]int),
		counts: make(map[Status]int),
		sinks:  sinks,
		log:    logger,
	}
}

// entryLocked returns the report entry for name, creating it in order.
// Names are report paths, so same-named files in different directories
// stay separate.
func (r *Recorder) entryLocked(name, family string) *ReportEntry {
	if i, ok := r.index[name]; ok {
		return r.reports[i]
	}
	e := &ReportEntry{ReportName: name, Family: family, Participants: []ParticipantEntry{}}
	r.index[name] = len(r.reports)
	r.reports = append(r.reports, e)
	return e
}

// BeginReport registers a report so it appears in the log even when it
// yields no participants.
func (r *Recorder) BeginReport(name, family string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(name, family)
}

// FailReport records a report-level error.
func (r *Recorder) FailReport(name, family string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(name, family)
	e.Error = err.Error()
	r.log.Error("report failed", zap.String("report", name), zap.String("family", family), zap.Error(err))
}

// Record appends o under its report and forwards it to every sink. The
// outcome is kept even when a sink fails; sink errors are joined.
func (r *Recorder) Record(ctx context.Context, o Outcome) error {
	r.mu.Lock()
	e := r.entryLocked(o.ReportName, o.Family)
	e.Participants = append(e.Participants, o.entry())
	r.counts[o.Status]++
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("report", o.ReportName),
		zap.String("eid", o.ExternalID),
		zap.String("iid", o.InternalID),
		zap.String("status", string(o.Status)),
		zap.Int("variants", o.VariantsFound),
	}
	if o.StatusCode != nil {
		fields = append(fields, zap.Int("code", *o.StatusCode))
	}
	switch o.Status {
	case StatusFailure, StatusResolutionFailed:
		r.log.Warn("participant not uploaded", append(fields, zap.String("error", o.Error))...)
	default:
		r.log.Info("participant recorded", fields...)
	}

	var errs []error
	for _, s := range r.sinks {
		if err := s.RecordOutcome(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log returns a deep copy of the nested log.
func (r *Recorder) Log() Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(Log, len(r.reports))
	for i, e := range r.reports {
		c := *e
		c.Participants = make([]ParticipantEntry, len(e.Participants))
		copy(c.Participants, e.Participants)
		out[i] = c
	}
	return out
}

// Counts returns the number of outcomes per status.
func (r *Recorder) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Status]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// ReportErrors returns the number of reports with a report-level error.
func (r *Recorder) ReportErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.reports {
		if e.Error != "" {
			n++
		}
	}
	return n
}

// WriteJSON writes the nested log to path, replacing any previous version
// atomically.
func (r *Recorder) WriteJSON(path string) error {
	return WriteJSONFile(path, r.Log())
}

// WriteJSONFile writes log to path through a temp file and rename.
func WriteJSONFile(path string, log Log) error {
	if log == nil {
		log = Log{}
	}
	b, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}
	return writeFileAtomic(path, append(b, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadJSONFile loads a nested log written by WriteJSONFile.
func ReadJSONFile(path string) (Log, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var log Log
	if err := json.Unmarshal(b, &log); err != nil {
		return nil, fmt.Errorf("parse audit log %s: %w", path, err)
	}
	return log, nil
}

// JSONLSink streams outcomes to an output.Writer.
type JSONLSink struct {
	w output.Writer
}

// NewJSONLSink wraps w.
func NewJSONLSink(w output.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// RecordOutcome writes o as an outcome record.
func (s *JSONLSink) RecordOutcome(ctx context.Context, o Outcome) error {
	return s.w.WriteOutcome(ctx, o.record())
}

var _ Sink = (*JSONLSink)(nil)
