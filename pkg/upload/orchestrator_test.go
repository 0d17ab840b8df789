package upload

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/creupload/pkg/audit"
	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/report"
	"github.com/3leaps/creupload/pkg/resolve"
	"github.com/3leaps/creupload/pkg/schema"
	"github.com/3leaps/creupload/pkg/store"
	"github.com/3leaps/creupload/pkg/store/storetest"
)

func participant(codename string, rows ...map[string]string) *demux.Participant {
	cols := []string{"position", "ref", "alt", "zygosity", "burden", "alt_depths", "gts", "trio_coverage", "gene", "notes"}
	tbl := report.NewTable(cols)
	for _, set := range rows {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = set[c]
		}
		tbl.Append(row)
	}
	return &demux.Participant{
		Name:        report.ParseName("results/258/258.wes.2020-04-17.csv"),
		Table:       tbl,
		Sample:      "258_" + codename,
		Codename:    codename,
		Diagnostics: schema.Diagnostics{Missing: []string{"uce_100bp", "uce_200bp"}, Extra: []string{"notes"}},
	}
}

type fakeUploader struct {
	calls []string
	codes map[string]int
	err   error
}

func (f *fakeUploader) UploadVariantFile(_ context.Context, patientID, fileName string, _ []byte) (int, error) {
	f.calls = append(f.calls, patientID+"/"+fileName)
	if f.err != nil {
		return 0, f.err
	}
	if c, ok := f.codes[patientID]; ok {
		return c, nil
	}
	return http.StatusOK, nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want audit.Status
	}{
		{200, audit.StatusSuccess},
		{201, audit.StatusSuccess},
		{409, audit.StatusConflict},
		{202, audit.StatusFailure},
		{400, audit.StatusFailure},
		{401, audit.StatusFailure},
		{413, audit.StatusFailure},
		{500, audit.StatusFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "code %d", tt.code)
	}
}

func TestRender_TemplateLayout(t *testing.T) {
	p := participant("CH0615",
		map[string]string{"position": "1:100", "ref": "A", "alt": "G", "zygosity": "Het", "gene": "SCN1A", "gts": "A/G", "notes": "drop me"},
		map[string]string{"position": "1:200", "ref": "C", "alt": "T", "zygosity": "-", "gene": "KCNQ2"},
		map[string]string{"position": "1:300", "ref": "C", "alt": "T", "zygosity": "Insufficient coverage"},
	)

	b, err := Render(p)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(b))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, schema.TemplateColumns, records[0])
	col := func(name string) int {
		for i, h := range records[0] {
			if h == name {
				return i
			}
		}
		t.Fatalf("missing column %s", name)
		return -1
	}
	assert.Equal(t, "1:100", records[1][col("#Position")])
	assert.Equal(t, "Het", records[1][col("Zygosity")])
	assert.Equal(t, "SCN1A", records[1][col("Gene")])
	assert.Equal(t, "A/G", records[1][col("gts")])
	assert.Equal(t, "", records[2][col("Zygosity")])
	assert.Equal(t, "", records[3][col("Zygosity")])
	assert.Equal(t, "", records[1][col("UCE_100bp")])
	assert.NotContains(t, string(b), "drop me")
	assert.Equal(t, "258_CH0615_2020-04-17.csv", FileName(p))
}

func TestProcess_Success(t *testing.T) {
	srv := storetest.New(t)
	client, err := store.New(store.Config{BaseURL: srv.URL}, store.BearerAuth{Token: "t"}, nil)
	require.NoError(t, err)

	rec := audit.NewRecorder(nil)
	res := resolve.NewMappingResolver(map[string]string{"258_CH0615": "P0004384"})
	o := New(client, res, nil, rec)

	p := participant("CH0615", map[string]string{"position": "1:100", "ref": "A", "alt": "G", "zygosity": "Hom"})
	out, err := o.Process(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, audit.StatusSuccess, out.Status)
	assert.Equal(t, "P0004384", out.InternalID)
	assert.Equal(t, "258_CH0615", out.ExternalID)
	assert.Equal(t, "results/258/258.wes.2020-04-17.csv", out.ReportName)
	assert.Equal(t, "258", out.Family)
	assert.Equal(t, 1, out.VariantsFound)
	assert.Equal(t, []string{"uce_100bp", "uce_200bp"}, out.MissingCols)
	assert.Equal(t, []string{"notes"}, out.ExtraCols)
	require.NotNil(t, out.StatusCode)
	assert.Equal(t, http.StatusOK, *out.StatusCode)

	ups := srv.UploadsFor("P0004384")
	require.Len(t, ups, 1)
	assert.Equal(t, "258_CH0615_2020-04-17.csv", ups[0].FileName)
	assert.True(t, strings.HasPrefix(string(ups[0].Content), "#Position,UCSC_Link"))

	log := rec.Log()
	require.Len(t, log, 1)
	require.Len(t, log[0].Participants, 1)
}

func TestProcess_ResumeSkipsWithoutRemoteCall(t *testing.T) {
	for _, prior := range []audit.Status{audit.StatusSuccess, audit.StatusConflict, audit.StatusFailure} {
		t.Run(string(prior), func(t *testing.T) {
			up := &fakeUploader{}
			res := &countingResolver{}
			o := New(up, res, audit.NewResumeSet("258_CH0615"), audit.NewRecorder(nil))

			out, err := o.Process(context.Background(), participant("CH0615"))
			require.NoError(t, err)
			assert.Equal(t, audit.StatusAlreadyProcessed, out.Status)
			assert.Nil(t, out.StatusCode)
			assert.Empty(t, up.calls)
			assert.Zero(t, res.n, "resumed participants are not resolved")
		})
	}
}

type countingResolver struct{ n int }

func (c *countingResolver) Resolve(_ context.Context, eid string) (resolve.Identity, error) {
	c.n++
	return resolve.Identity{ExternalID: eid, InternalID: "P1"}, nil
}

func TestProcess_ConflictIsNotFailure(t *testing.T) {
	up := &fakeUploader{codes: map[string]int{"P1": http.StatusConflict}}
	rec := audit.NewRecorder(nil)
	o := New(up, resolve.NewMappingResolver(map[string]string{"258_CH0615": "P1"}), nil, rec)

	out, err := o.Process(context.Background(), participant("CH0615"))
	require.NoError(t, err)
	assert.Equal(t, audit.StatusConflict, out.Status)
	assert.Equal(t, 409, *out.StatusCode)
	assert.Empty(t, out.Error)
	assert.Zero(t, rec.Counts()[audit.StatusFailure])
	assert.Equal(t, 1, rec.Counts()[audit.StatusConflict])
}

func TestProcess_FailureKeepsLiteralCode(t *testing.T) {
	up := &fakeUploader{codes: map[string]int{"P1": http.StatusRequestEntityTooLarge}}
	o := New(up, resolve.NewMappingResolver(map[string]string{"258_CH0615": "P1"}), nil, audit.NewRecorder(nil))

	out, err := o.Process(context.Background(), participant("CH0615"))
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailure, out.Status)
	assert.Equal(t, 413, *out.StatusCode)
	assert.Len(t, up.calls, 1, "no retries")
}

func TestProcess_TransportErrorHasNoCode(t *testing.T) {
	up := &fakeUploader{err: errors.New("connection refused")}
	o := New(up, resolve.NewMappingResolver(map[string]string{"258_CH0615": "P1"}), nil, audit.NewRecorder(nil))

	out, err := o.Process(context.Background(), participant("CH0615"))
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailure, out.Status)
	assert.Nil(t, out.StatusCode)
	assert.Contains(t, out.Error, "connection refused")
}

func TestProcess_ResolutionFailureDoesNotBlockSiblings(t *testing.T) {
	up := &fakeUploader{}
	rec := audit.NewRecorder(nil)
	res := resolve.NewMappingResolver(map[string]string{"258_130201A": "P1", "258_CH0648": "P3"})
	o := New(up, res, nil, rec)

	for _, code := range []string{"130201A", "CH0615", "CH0648"} {
		_, err := o.Process(context.Background(), participant(code))
		require.NoError(t, err)
	}

	parts := rec.Log()[0].Participants
	require.Len(t, parts, 3)
	assert.Equal(t, audit.StatusSuccess, parts[0].Status)
	assert.Equal(t, audit.StatusResolutionFailed, parts[1].Status)
	assert.Nil(t, parts[1].IID)
	assert.Nil(t, parts[1].PostStatusCode)
	assert.Equal(t, audit.StatusSuccess, parts[2].Status)
	assert.Equal(t, []string{"P1/258_130201A_2020-04-17.csv", "P3/258_CH0648_2020-04-17.csv"}, up.calls)
}
