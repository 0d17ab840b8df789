// Package pipeline drives reports through normalization, demultiplexing,
// identity resolution and upload, recording one outcome per participant.
//
// Reports are processed sequentially and participants within a report in
// order, so the audit log matches submission order. A failing report is
// recorded and skipped; the run only stops when its context is cancelled.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/creupload/pkg/audit"
	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/output"
	"github.com/3leaps/creupload/pkg/provider"
	"github.com/3leaps/creupload/pkg/report"
	"github.com/3leaps/creupload/pkg/schema"
	"github.com/3leaps/creupload/pkg/upload"
)

// Options configures a Pipeline.
type Options struct {
	Normalize schema.Options
	RowPolicy demux.RowPolicy

	// MaxReportBytes bounds a single report read. Zero means unbounded.
	MaxReportBytes int64

	// Archive, when set, receives every participant report before upload.
	Archive *Archive

	// Checkpoint is the nested JSON log path, rewritten after each report.
	Checkpoint string

	// Stream receives report errors and the final summary.
	Stream output.Writer

	Logger *zap.Logger
}

// Pipeline processes reports for one run.
type Pipeline struct {
	runID      string
	normalizer *schema.Normalizer
	policy     demux.RowPolicy
	orch       *upload.Orchestrator
	recorder   *audit.Recorder
	opts       Options
	log        *zap.Logger
}

// New builds a pipeline. An empty runID is replaced with a fresh UUID.
func New(runID string, orch *upload.Orchestrator, recorder *audit.Recorder, opts Options) *Pipeline {
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runID))
	return &Pipeline{
		runID:      runID,
		normalizer: schema.NewNormalizer(opts.Normalize, logger),
		policy:     opts.RowPolicy,
		orch:       orch,
		recorder:   recorder,
		opts:       opts,
		log:        logger,
	}
}

// RunID returns the run's correlation id.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Summary aggregates a run.
type Summary struct {
	RunID        string
	Reports      int
	ReportErrors int
	Outcomes     int
	ByStatus     map[audit.Status]int
	Duration     time.Duration
	Interrupted  bool
}

// Run loads and processes each source in order. It returns ctx.Err() when
// interrupted; the audit log written so far stays valid for resuming.
func (p *Pipeline) Run(ctx context.Context, src provider.Provider, sources []report.Source) (Summary, error) {
	start := time.Now()
	p.log.Info("run started", zap.Int("reports", len(sources)))

	var runErr error
	reports := 0
	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		reports++

		raw, err := report.Load(ctx, src, s, p.opts.MaxReportBytes)
		if err != nil {
			name := report.ParseName(s.Path)
			p.failReport(ctx, name, output.ErrCodeRead, err)
		} else if err := p.ProcessReport(ctx, raw); err != nil && ctx.Err() != nil {
			runErr = ctx.Err()
		}

		if err := p.checkpoint(); err != nil {
			p.log.Error("checkpoint failed", zap.String("path", p.opts.Checkpoint), zap.Error(err))
		}
		if runErr != nil {
			break
		}
	}

	sum := p.summarize(reports, time.Since(start))
	sum.Interrupted = runErr != nil
	p.logSummary(sum)
	if p.opts.Stream != nil {
		if err := p.opts.Stream.WriteSummary(context.WithoutCancel(ctx), sum.record()); err != nil {
			p.log.Warn("summary record not written", zap.Error(err))
		}
	}
	return sum, runErr
}

// Prepare normalizes raw and splits it into participant reports.
func (p *Pipeline) Prepare(raw *report.Raw) (*schema.Canonical, []*demux.Participant, error) {
	c, err := p.normalizer.Normalize(raw)
	if err != nil {
		return nil, nil, err
	}
	parts, err := demux.Split(c, p.policy)
	if err != nil {
		return c, nil, err
	}
	return c, parts, nil
}

// ProcessReport runs one report through every stage. Errors that stop the
// report are recorded as a report-level failure and returned.
func (p *Pipeline) ProcessReport(ctx context.Context, raw *report.Raw) error {
	p.recorder.BeginReport(raw.Path, raw.Family)

	c, parts, err := p.Prepare(raw)
	if err != nil {
		code := output.ErrCodeDemux
		if schema.IsUnrecognized(err) {
			code = output.ErrCodeSchema
		}
		p.failReport(ctx, raw.Name, code, err)
		return err
	}
	if len(parts) == 0 {
		p.log.Warn("no participants found", zap.String("report", raw.Path), zap.String("version", c.Version))
		return nil
	}

	p.log.Info("report demultiplexed",
		zap.String("report", raw.Path),
		zap.String("family", raw.Family),
		zap.String("version", c.Version),
		zap.Int("variants", c.Len()),
		zap.Int("participants", len(parts)),
	)

	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.opts.Archive != nil {
			if key, err := p.opts.Archive.Put(ctx, part); err != nil {
				p.log.Warn("archive failed", zap.String("eid", part.ExternalID()), zap.Error(err))
			} else {
				p.log.Debug("participant archived", zap.String("key", key))
			}
		}
		if _, err := p.orch.Process(ctx, part); err != nil {
			p.log.Warn("outcome sink failed", zap.String("eid", part.ExternalID()), zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) failReport(ctx context.Context, name report.Name, code string, err error) {
	p.recorder.FailReport(name.Path, name.Family, err)
	if p.opts.Stream == nil {
		return
	}
	werr := p.opts.Stream.WriteReportError(ctx, &output.ReportErrorRecord{
		ReportName: name.Path,
		Family:     name.Family,
		Code:       code,
		Message:    err.Error(),
	})
	if werr != nil && !errors.Is(werr, context.Canceled) {
		p.log.Warn("report error record not written", zap.Error(werr))
	}
}

func (p *Pipeline) checkpoint() error {
	if p.opts.Checkpoint == "" {
		return nil
	}
	return p.recorder.WriteJSON(p.opts.Checkpoint)
}

func (p *Pipeline) summarize(reports int, d time.Duration) Summary {
	counts := p.recorder.Counts()
	n := 0
	for _, v := range counts {
		n += v
	}
	return Summary{
		RunID:        p.runID,
		Reports:      reports,
		ReportErrors: p.recorder.ReportErrors(),
		Outcomes:     n,
		ByStatus:     counts,
		Duration:     d,
	}
}

func (p *Pipeline) logSummary(s Summary) {
	fields := []zap.Field{
		zap.Int("reports", s.Reports),
		zap.Int("report_errors", s.ReportErrors),
		zap.Int("outcomes", s.Outcomes),
		zap.Duration("duration", s.Duration),
		zap.Bool("interrupted", s.Interrupted),
	}
	for _, st := range audit.Statuses {
		fields = append(fields, zap.Int(string(st), s.ByStatus[st]))
	}
	p.log.Info("run finished", fields...)
}

func (s Summary) record() *output.SummaryRecord {
	by := make(map[string]int, len(s.ByStatus))
	for k, v := range s.ByStatus {
		by[string(k)] = v
	}
	return &output.SummaryRecord{
		Reports:       s.Reports,
		ReportErrors:  s.ReportErrors,
		Outcomes:      s.Outcomes,
		ByStatus:      by,
		Duration:      s.Duration,
		DurationHuman: s.Duration.Round(time.Millisecond).String(),
	}
}
