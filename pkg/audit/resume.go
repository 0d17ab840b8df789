package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/3leaps/creupload/pkg/output"
)

// ResumePolicy selects which prior outcomes put an eid in the resume set.
type ResumePolicy string

const (
	// ResumeSucceeded resumes eids whose prior outcome was satisfied.
	ResumeSucceeded ResumePolicy = "succeeded"

	// ResumeAttempted resumes every eid a prior run recorded.
	ResumeAttempted ResumePolicy = "attempted"
)

// ParseResumePolicy validates a policy name. Empty selects ResumeSucceeded.
func ParseResumePolicy(s string) (ResumePolicy, error) {
	switch ResumePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResumeSucceeded:
		return ResumeSucceeded, nil
	case ResumeAttempted:
		return ResumeAttempted, nil
	}
	return "", fmt.Errorf("unknown resume policy %q (want succeeded or attempted)", s)
}

// Admits reports whether an outcome with status s is resumed under p.
func (p ResumePolicy) Admits(s Status) bool {
	if p == ResumeAttempted {
		return true
	}
	return s.Satisfied()
}

// ResumeSet is the set of external ids handled by a prior run. It is safe
// for concurrent use.
type ResumeSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewResumeSet returns a set holding ids.
func NewResumeSet(ids ...string) *ResumeSet {
	s := &ResumeSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// Has reports whether eid is in the set. A nil set is empty.
func (s *ResumeSet) Has(eid string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[eid]
	return ok
}

// Add inserts eid.
func (s *ResumeSet) Add(eid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[eid] = struct{}{}
}

// Len returns the number of ids.
func (s *ResumeSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// AddLog inserts every eid in log admitted by policy.
func (s *ResumeSet) AddLog(log Log, policy ResumePolicy) {
	for _, rep := range log {
		for _, p := range rep.Participants {
			if p.EID != "" && policy.Admits(recordedStatus(p.Status, p.PostStatusCode)) {
				s.Add(p.EID)
			}
		}
	}
}

// LoadResumeFile adds the eids recorded in a prior nested JSON log or JSONL
// outcome stream. The format is chosen by extension; anything other than
// .jsonl is read as a nested log.
func (s *ResumeSet) LoadResumeFile(path string, policy ResumePolicy) error {
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return s.loadJSONL(path, policy)
	}
	log, err := ReadJSONFile(path)
	if err != nil {
		return err
	}
	s.AddLog(log, policy)
	return nil
}

func (s *ResumeSet) loadJSONL(path string, policy ResumePolicy) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = output.ReadRecords(f, func(rec output.Record) error {
		if rec.Type != output.TypeOutcome {
			return nil
		}
		var o output.OutcomeRecord
		if err := json.Unmarshal(rec.Data, &o); err != nil {
			return fmt.Errorf("outcome record: %w", err)
		}
		if o.EID != "" && policy.Admits(recordedStatus(Status(o.Status), o.PostStatusCode)) {
			s.Add(o.EID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read outcome stream %s: %w", path, err)
	}
	return nil
}
