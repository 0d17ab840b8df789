package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/creupload/pkg/output"
)

const report258 = "258.wes.2020-04-17.csv"

func outcomes258() []Outcome {
	return []Outcome{
		{ReportName: report258, Family: "258", ExternalID: "258_130201A", InternalID: "P0001", VariantsFound: 3, StatusCode: Code(200), Status: StatusSuccess},
		{ReportName: report258, Family: "258", ExternalID: "258_CH0615", VariantsFound: 3, Status: StatusResolutionFailed, Error: "external id not found"},
		{ReportName: report258, Family: "258", ExternalID: "258_CH0648", InternalID: "P0004384", VariantsFound: 3,
			MissingCols: []string{"uce_100bp", "uce_200bp"}, StatusCode: Code(409), Status: StatusConflict},
	}
}

func TestRecorder_GroupsByReportInOrder(t *testing.T) {
	r := NewRecorder(nil)
	ctx := context.Background()

	r.BeginReport(report258, "258")
	r.BeginReport("259.wes.2021-01-01.csv", "259")
	for _, o := range outcomes258() {
		require.NoError(t, r.Record(ctx, o))
	}
	r.FailReport("999.wes.2021-01-01.csv", "999", errors.New("unrecognized report layout"))

	log := r.Log()
	require.Len(t, log, 3)
	assert.Equal(t, "258", log[0].Family)
	require.Len(t, log[0].Participants, 3)
	assert.Equal(t, []string{"258_130201A", "258_CH0615", "258_CH0648"},
		[]string{log[0].Participants[0].EID, log[0].Participants[1].EID, log[0].Participants[2].EID})

	assert.Empty(t, log[1].Participants)
	assert.Empty(t, log[1].Error)
	assert.Equal(t, "unrecognized report layout", log[2].Error)

	assert.Equal(t, map[Status]int{StatusSuccess: 1, StatusResolutionFailed: 1, StatusConflict: 1}, r.Counts())
	assert.Equal(t, 1, r.ReportErrors())
}

func TestRecorder_LogIsASnapshot(t *testing.T) {
	r := NewRecorder(nil)
	ctx := context.Background()
	require.NoError(t, r.Record(ctx, outcomes258()[0]))

	snap := r.Log()
	snap[0].Participants[0].EID = "mutated"
	require.NoError(t, r.Record(ctx, outcomes258()[1]))

	assert.Equal(t, "258_130201A", r.Log()[0].Participants[0].EID)
	assert.Len(t, snap[0].Participants, 1)
}

func TestRecorder_NestedJSONShape(t *testing.T) {
	r := NewRecorder(nil)
	for _, o := range outcomes258() {
		require.NoError(t, r.Record(context.Background(), o))
	}

	path := filepath.Join(t.TempDir(), "out", "variant-store-results.json")
	require.NoError(t, r.WriteJSON(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic []map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Len(t, generic, 1)
	assert.Equal(t, report258, generic[0]["report_name"])
	assert.Equal(t, "258", generic[0]["family"])
	parts := generic[0]["participants"].([]any)
	require.Len(t, parts, 3)

	unresolved := parts[1].(map[string]any)
	assert.Nil(t, unresolved["iid"])
	assert.Nil(t, unresolved["post_status_code"])
	assert.Equal(t, []any{}, unresolved["missing_cols"])

	mapped := parts[2].(map[string]any)
	assert.Equal(t, "P0004384", mapped["iid"])
	assert.Equal(t, float64(409), mapped["post_status_code"])
	assert.Equal(t, []any{"uce_100bp", "uce_200bp"}, mapped["missing_cols"])

	back, err := ReadJSONFile(path)
	require.NoError(t, err)
	assert.Equal(t, r.Log(), back)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFlatten_Lossless(t *testing.T) {
	r := NewRecorder(nil)
	for _, o := range outcomes258() {
		require.NoError(t, r.Record(context.Background(), o))
	}
	r.FailReport("999.wes.2021-01-01.csv", "999", errors.New("boom"))
	log := r.Log()

	rows := Flatten(log)
	require.Len(t, rows, 3)

	i := 0
	for _, rep := range log {
		for _, p := range rep.Participants {
			row := rows[i]
			assert.Equal(t, rep.ReportName, row.ReportName)
			assert.Equal(t, rep.Family, row.Family)
			assert.Equal(t, p.EID, row.EID)
			if p.IID == nil {
				assert.Equal(t, Unresolved, row.IID)
			} else {
				assert.Equal(t, *p.IID, row.IID)
			}
			assert.Equal(t, p.VariantsFound, row.VariantsFound)
			assert.Equal(t, p.MissingCols, row.MissingCols)
			assert.Equal(t, p.ExtraCols, row.ExtraCols)
			assert.Equal(t, p.PostStatusCode, row.PostStatusCode)
			i++
		}
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, log))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(FlatColumns, ","), lines[0])
	assert.Equal(t, report258+",258,258_CH0615,UNRESOLVED,3,,,", lines[2])
	assert.Equal(t, report258+",258,258_CH0648,P0004384,3,uce_100bp;uce_200bp,,409", lines[3])

	back, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, rows, back)
}

func TestFlattenFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "log.json")
	dst := filepath.Join(dir, "log.csv")
	require.NoError(t, WriteJSONFile(src, Log{{
		ReportName:   report258,
		Family:       "258",
		Participants: []ParticipantEntry{{EID: "258_CH0615", VariantsFound: 2, MissingCols: []string{}, ExtraCols: []string{"notes"}, Status: StatusFailure, PostStatusCode: Code(500)}},
	}}))

	n, err := FlattenFile(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Contains(t, string(b), "258_CH0615,UNRESOLVED,2,,notes,500")
}

func TestReadCSV_BadHeader(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("a,b\n1,2\n"))
	assert.Error(t, err)
}

func TestRecorder_ConcurrentRecords(t *testing.T) {
	r := NewRecorder(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Record(context.Background(), Outcome{ReportName: report258, Family: "258", ExternalID: "e", Status: StatusSuccess, VariantsFound: i})
		}(i)
	}
	wg.Wait()
	require.Len(t, r.Log(), 1)
	assert.Len(t, r.Log()[0].Participants, 20)
	assert.Equal(t, 20, r.Counts()[StatusSuccess])
}

type failingSink struct{ err error }

func (s failingSink) RecordOutcome(context.Context, Outcome) error { return s.err }

func TestRecorder_SinksReceiveEveryOutcome(t *testing.T) {
	var buf bytes.Buffer
	jw := output.NewJSONLWriter(&buf, "run-1")
	sinkErr := errors.New("sink down")
	r := NewRecorder(nil, NewJSONLSink(jw), failingSink{err: sinkErr})

	for _, o := range outcomes258() {
		err := r.Record(context.Background(), o)
		assert.ErrorIs(t, err, sinkErr)
	}
	assert.Len(t, r.Log()[0].Participants, 3, "outcomes are kept when a sink fails")

	var eids []string
	require.NoError(t, output.ReadRecords(&buf, func(rec output.Record) error {
		var o output.OutcomeRecord
		require.NoError(t, json.Unmarshal(rec.Data, &o))
		eids = append(eids, o.EID)
		return nil
	}))
	assert.Equal(t, []string{"258_130201A", "258_CH0615", "258_CH0648"}, eids)
}

func TestResumeSet_FromNestedLog(t *testing.T) {
	log := Log{{
		ReportName: report258,
		Family:     "258",
		Participants: []ParticipantEntry{
			{EID: "a", Status: StatusSuccess},
			{EID: "b", Status: StatusConflict},
			{EID: "c", Status: StatusAlreadyProcessed},
			{EID: "d", Status: StatusFailure},
			{EID: "e", Status: StatusResolutionFailed},
		},
	}}
	path := filepath.Join(t.TempDir(), "prior.json")
	require.NoError(t, WriteJSONFile(path, log))

	s := NewResumeSet()
	require.NoError(t, s.LoadResumeFile(path, ResumeSucceeded))
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	assert.True(t, s.Has("c"))
	assert.False(t, s.Has("d"))

	all := NewResumeSet()
	require.NoError(t, all.LoadResumeFile(path, ResumeAttempted))
	assert.Equal(t, 5, all.Len())
}

func TestResumeSet_LogWithoutStatus(t *testing.T) {
	prior := `[{"report_name": "258.wes.2020-04-17.csv", "family": "258", "participants": [
		{"eid": "258_130201A", "iid": "P1", "variants_found": 2, "missing_cols": [], "extra_cols": [], "post_status_code": 200},
		{"eid": "258_CH0615", "iid": "P2", "variants_found": 2, "missing_cols": [], "extra_cols": [], "post_status_code": 409},
		{"eid": "258_CH0648", "iid": "P3", "variants_found": 2, "missing_cols": [], "extra_cols": [], "post_status_code": 500},
		{"eid": "258_CH0700", "iid": null, "variants_found": 2, "missing_cols": [], "extra_cols": [], "post_status_code": null}
	]}]`
	path := filepath.Join(t.TempDir(), "prior.json")
	require.NoError(t, os.WriteFile(path, []byte(prior), 0o644))

	s := NewResumeSet()
	require.NoError(t, s.LoadResumeFile(path, ResumeSucceeded))
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has("258_130201A"))
	assert.True(t, s.Has("258_CH0615"))
	assert.False(t, s.Has("258_CH0648"))
	assert.False(t, s.Has("258_CH0700"))

	all := NewResumeSet()
	require.NoError(t, all.LoadResumeFile(path, ResumeAttempted))
	assert.Equal(t, 4, all.Len())
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{200, StatusSuccess},
		{201, StatusSuccess},
		{409, StatusConflict},
		{400, StatusFailure},
		{500, StatusFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusForCode(tt.code), "code %d", tt.code)
	}
}

func TestResumeSet_FromJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prior.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	jw := output.NewJSONLWriter(f, "run-0")
	ctx := context.Background()
	require.NoError(t, jw.WriteRun(ctx, &output.RunRecord{Source: "x"}))
	require.NoError(t, jw.WriteOutcome(ctx, &output.OutcomeRecord{EID: "a", Status: string(StatusSuccess)}))
	require.NoError(t, jw.WriteOutcome(ctx, &output.OutcomeRecord{EID: "b", Status: string(StatusFailure)}))
	require.NoError(t, jw.WriteOutcome(ctx, &output.OutcomeRecord{EID: "c", PostStatusCode: Code(201)}))
	require.NoError(t, jw.WriteOutcome(ctx, &output.OutcomeRecord{EID: "d"}))
	require.NoError(t, f.Close())

	s := NewResumeSet()
	require.NoError(t, s.LoadResumeFile(path, ResumeSucceeded))
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))
	assert.True(t, s.Has("c"))
	assert.False(t, s.Has("d"))
}

func TestResumeSet_Errors(t *testing.T) {
	s := NewResumeSet()
	assert.ErrorIs(t, s.LoadResumeFile(filepath.Join(t.TempDir(), "none.json"), ResumeSucceeded), os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	assert.Error(t, s.LoadResumeFile(bad, ResumeSucceeded))

	var nilSet *ResumeSet
	assert.False(t, nilSet.Has("x"))
	assert.Zero(t, nilSet.Len())
}

func TestParseResumePolicy(t *testing.T) {
	p, err := ParseResumePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ResumeSucceeded, p)

	p, err = ParseResumePolicy("Attempted")
	require.NoError(t, err)
	assert.Equal(t, ResumeAttempted, p)

	_, err = ParseResumePolicy("never")
	assert.Error(t, err)
}
