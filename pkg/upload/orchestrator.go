// Package upload decides, per participant report, whether to submit it to
// the remote store, performs the single upload call, and classifies the
// response.
//
// There is no retry loop. A failed submission is recorded with its status
// code and retried by re-running with a resume set.
package upload

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/3leaps/creupload/pkg/audit"
	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/resolve"
)

// Uploader performs one authenticated variant file upload and returns the
// response status code.
type Uploader interface {
	UploadVariantFile(ctx context.Context, patientID, fileName string, content []byte) (int, error)
}

// Classify maps an upload response status to an outcome status.
func Classify(code int) audit.Status {
	return audit.StatusForCode(code)
}

// Orchestrator processes participant reports one at a time.
type Orchestrator struct {
	store    Uploader
	resolver resolve.Resolver
	resume   *audit.ResumeSet
	recorder *audit.Recorder
	log      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New builds an orchestrator. resume may be nil.
func New(store Uploader, resolver resolve.Resolver, resume *audit.ResumeSet, recorder *audit.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		resolver: resolver,
		resume:   resume,
		recorder: recorder,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process handles one participant and records exactly one outcome. The
// returned error reports only recorder sink failures; every per-participant
// failure is captured in the outcome.
func (o *Orchestrator) Process(ctx context.Context, p *demux.Participant) (audit.Outcome, error) {
	out := o.decide(ctx, p)
	return out, o.recorder.Record(ctx, out)
}

func (o *Orchestrator) decide(ctx context.Context, p *demux.Participant) audit.Outcome {
	eid := p.ExternalID()
	out := audit.Outcome{
		ReportName:    p.Path,
		Family:        p.Family,
		ExternalID:    eid,
		VariantsFound: p.Len(),
		MissingCols:   p.Diagnostics.Missing,
		ExtraCols:     p.Diagnostics.Extra,
	}

	if o.resume.Has(eid) {
		out.Status = audit.StatusAlreadyProcessed
		return out
	}

	id, err := o.resolver.Resolve(ctx, eid)
	if err != nil {
		out.Status = audit.StatusResolutionFailed
		out.Error = err.Error()
		return out
	}
	out.InternalID = id.InternalID
	out.FileName = FileName(p)

	content, err := Render(p)
	if err != nil {
		out.Status = audit.StatusFailure
		out.Error = err.Error()
		return out
	}

	code, err := o.store.UploadVariantFile(ctx, id.InternalID, out.FileName, content)
	if err != nil {
		out.Status = audit.StatusFailure
		out.Error = err.Error()
		return out
	}
	out.StatusCode = audit.Code(code)
	out.Status = Classify(code)
	if out.Status == audit.StatusFailure {
		out.Error = http.StatusText(code)
	}
	o.log.Debug("variant file submitted",
		zap.String("eid", eid),
		zap.String("iid", id.InternalID),
		zap.String("file", out.FileName),
		zap.Int("bytes", len(content)),
		zap.Int("code", code),
	)
	return out
}
