// Package audit records per-participant upload outcomes, grouped by report,
// and renders them as a nested JSON log and a flat CSV mirror.
package audit

import (
	"net/http"

	"github.com/3leaps/creupload/pkg/output"
)

// Status classifies one participant outcome.
type Status string

const (
	// StatusSuccess means the store queued the file (200 or 201).
	StatusSuccess Status = "success"

	// StatusConflict means the store already holds the file (409).
	StatusConflict Status = "conflict"

	// StatusFailure is any other response, or no response at all.
	StatusFailure Status = "failure"

	// StatusAlreadyProcessed means the eid was in the resume set and no
	// request was made.
	StatusAlreadyProcessed Status = "already_processed"

	// StatusResolutionFailed means no internal id was found and no upload
	// was attempted.
	StatusResolutionFailed Status = "resolution_failed"
)

// Statuses lists every status in summary order.
var Statuses = []Status{StatusSuccess, StatusConflict, StatusFailure, StatusAlreadyProcessed, StatusResolutionFailed}

// Satisfied reports whether s means the participant needs no further
// upload: a success, a conflict, or a prior run's success.
func (s Status) Satisfied() bool {
	switch s {
	case StatusSuccess, StatusConflict, StatusAlreadyProcessed:
		return true
	}
	return false
}

// StatusForCode classifies an upload response code: 200 and 201 are
// success, 409 is conflict, anything else is failure.
func StatusForCode(code int) Status {
	switch code {
	case http.StatusOK, http.StatusCreated:
		return StatusSuccess
	case http.StatusConflict:
		return StatusConflict
	}
	return StatusFailure
}

// recordedStatus is status, or for logs that predate the status field the
// classification of code. A missing code counts as failure.
func recordedStatus(status Status, code *int) Status {
	if status != "" {
		return status
	}
	if code == nil {
		return StatusFailure
	}
	return StatusForCode(*code)
}

// Outcome is the immutable result for one participant of one report.
type Outcome struct {
	ReportName    string
	Family        string
	ExternalID    string
	InternalID    string // empty when resolution failed
	VariantsFound int
	MissingCols   []string
	ExtraCols     []string
	StatusCode    *int // nil when no response was received
	Status        Status
	FileName      string
	Error         string
}

// Resolved reports whether the outcome carries an internal id.
func (o Outcome) Resolved() bool {
	return o.InternalID != ""
}

// Code returns a pointer to code, for Outcome.StatusCode.
func Code(code int) *int {
	return &code
}

// ParticipantEntry is one participant in the nested log.
type ParticipantEntry struct {
	EID            string   `json:"eid"`
	IID            *string  `json:"iid"`
	VariantsFound  int      `json:"variants_found"`
	MissingCols    []string `json:"missing_cols"`
	ExtraCols      []string `json:"extra_cols"`
	PostStatusCode *int     `json:"post_status_code"`
	Status         Status   `json:"status"`
	FileName       string   `json:"file_name,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// ReportEntry groups the outcomes of one report. Error is set when the
// report failed before any participant could be processed.
type ReportEntry struct {
	ReportName   string             `json:"report_name"`
	Family       string             `json:"family"`
	Error        string             `json:"error,omitempty"`
	Participants []ParticipantEntry `json:"participants"`
}

// Log is the nested audit log.
type Log []ReportEntry

func (o Outcome) entry() ParticipantEntry {
	e := ParticipantEntry{
		EID:           o.ExternalID,
		VariantsFound: o.VariantsFound,
		MissingCols:   nonNil(o.MissingCols),
		ExtraCols:     nonNil(o.ExtraCols),
		Status:        o.Status,
		FileName:      o.FileName,
		Error:         o.Error,
	}
	if o.InternalID != "" {
		iid := o.InternalID
		e.IID = &iid
	}
	if o.StatusCode != nil {
		e.PostStatusCode = Code(*o.StatusCode)
	}
	return e
}

func (o Outcome) record() *output.OutcomeRecord {
	r := &output.OutcomeRecord{
		ReportName:    o.ReportName,
		Family:        o.Family,
		EID:           o.ExternalID,
		IID:           o.InternalID,
		VariantsFound: o.VariantsFound,
		MissingCols:   nonNil(o.MissingCols),
		ExtraCols:     nonNil(o.ExtraCols),
		Status:        string(o.Status),
		FileName:      o.FileName,
		Error:         o.Error,
	}
	if o.StatusCode != nil {
		r.PostStatusCode = Code(*o.StatusCode)
	}
	return r
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
