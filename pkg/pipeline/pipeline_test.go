package pipeline

import (
	"context"
	"encoding/csv"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/creupload/pkg/audit"
	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/match"
	"github.com/3leaps/creupload/pkg/provider/file"
	"github.com/3leaps/creupload/pkg/provider/s3"
	"github.com/3leaps/creupload/pkg/resolve"
	"github.com/3leaps/creupload/pkg/runstate"
	"github.com/3leaps/creupload/pkg/schema"
	"github.com/3leaps/creupload/pkg/store"
	"github.com/3leaps/creupload/pkg/store/storetest"
	"github.com/3leaps/creupload/pkg/upload"
)

// writeReport writes a current-layout CSV report with a genotype group per
// sample. Columns named in drop are left out of the header.
func writeReport(t *testing.T, dir, name string, samples []string, rows []map[string]string, drop ...string) string {
	t.Helper()
	skip := make(map[string]bool)
	for _, d := range drop {
		skip[d] = true
	}
	var header []string
	for _, h := range schema.V2021.Signature() {
		if !skip[h] {
			header = append(header, h)
		}
	}
	for _, s := range samples {
		header = append(header, "Zygosity."+s, "Burden."+s, "Alt_depths."+s)
	}

	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(header))
	for _, set := range rows {
		row := make([]string, len(header))
		for i, h := range header {
			row[i] = set[h]
		}
		require.NoError(t, w.Write(row))
	}
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, f.Close())
	return path
}

var samples258 = []string{"258_130201A", "258_CH0615", "258_CH0648"}

func rows258() []map[string]string {
	return []map[string]string{
		{
			"position": "1:100", "ref": "A", "alt": "G", "gene": "SCN1A", "gts": "A/G,A/A,G/G", "trio_coverage": "12_30_8",
			"Zygosity.258_130201A": "Het", "Zygosity.258_CH0615": "-", "Zygosity.258_CH0648": "Hom",
		},
		{
			"position": "2:200", "ref": "C", "alt": "T", "gene": "KCNQ2", "gts": "C/T,C/T,C/C", "trio_coverage": "20_21_22",
			"Zygosity.258_130201A": "Het", "Zygosity.258_CH0615": "Het",
		},
	}
}

type harness struct {
	srv      *storetest.Server
	client   *store.Client
	recorder *audit.Recorder
	outDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := storetest.New(t)
	client, err := store.New(store.Config{BaseURL: srv.URL}, store.BasicAuth{Username: "u", Password: "p"}, nil)
	require.NoError(t, err)
	return &harness{srv: srv, client: client, recorder: audit.NewRecorder(nil), outDir: t.TempDir()}
}

func (h *harness) pipeline(t *testing.T, res resolve.Resolver, resume *audit.ResumeSet) *Pipeline {
	t.Helper()
	fp, err := file.New(file.Config{BaseDir: h.outDir})
	require.NoError(t, err)
	archive, err := NewArchive(fp, "demultiplexed_reports")
	require.NoError(t, err)

	orch := upload.New(h.client, res, resume, h.recorder)
	return New("", orch, h.recorder, Options{
		Normalize:  schema.DefaultOptions(),
		RowPolicy:  demux.RowsAll,
		Archive:    archive,
		Checkpoint: filepath.Join(h.outDir, "results.json"),
	})
}

func openDir(t *testing.T, dir string) *SourceSet {
	t.Helper()
	m, err := match.New(match.Config{Includes: []string{"**"}})
	require.NoError(t, err)
	set, err := OpenSources(context.Background(), dir, m, s3.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func TestRun_Family258(t *testing.T) {
	src := filepath.Join(t.TempDir(), "results")
	writeReport(t, filepath.Join(src, "258"), "258.wes.2020-04-17.csv", samples258, rows258())

	h := newHarness(t)
	res := resolve.NewMappingResolver(map[string]string{"258_130201A": "P1", "258_CH0615": "P2", "258_CH0648": "P3"})
	p := h.pipeline(t, res, nil)

	set := openDir(t, src)
	sum, err := p.Run(context.Background(), set.Provider, set.Sources)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reports)
	assert.Equal(t, 3, sum.Outcomes)
	assert.Equal(t, 3, sum.ByStatus[audit.StatusSuccess])
	assert.False(t, sum.Interrupted)
	assert.NotEmpty(t, sum.RunID)

	log := h.recorder.Log()
	require.Len(t, log, 1)
	assert.Equal(t, "258", log[0].Family)
	assert.Equal(t, filepath.Join(src, "258", "258.wes.2020-04-17.csv"), log[0].ReportName)
	require.Len(t, log[0].Participants, 3)
	for i, part := range log[0].Participants {
		assert.Equal(t, samples258[i], part.EID)
		assert.Equal(t, 2, part.VariantsFound)
		assert.Equal(t, audit.StatusSuccess, part.Status)
		require.NotNil(t, part.PostStatusCode)
		assert.Equal(t, http.StatusOK, *part.PostStatusCode)
	}

	assert.Len(t, h.srv.Uploads(), 3)
	up := h.srv.UploadsFor("P2")
	require.Len(t, up, 1)
	assert.Equal(t, "258_CH0615_2020-04-17.csv", up[0].FileName)

	for _, s := range samples258 {
		assert.FileExists(t, filepath.Join(h.outDir, "demultiplexed_reports", s+"_2020-04-17"+ArchiveSuffix))
	}

	checkpoint, err := audit.ReadJSONFile(filepath.Join(h.outDir, "results.json"))
	require.NoError(t, err)
	assert.Equal(t, log, checkpoint)
}

func TestRun_SameFileNameInDifferentDirectories(t *testing.T) {
	src := filepath.Join(t.TempDir(), "results")
	first := writeReport(t, filepath.Join(src, "batch1"), "258.wes.2020-04-17.csv", samples258, rows258())
	second := writeReport(t, filepath.Join(src, "batch2"), "258.wes.2020-04-17.csv", samples258, rows258())

	h := newHarness(t)
	res := resolve.NewMappingResolver(map[string]string{"258_130201A": "P1", "258_CH0615": "P2", "258_CH0648": "P3"})
	set := openDir(t, src)
	sum, err := h.pipeline(t, res, nil).Run(context.Background(), set.Provider, set.Sources)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Reports)

	log := h.recorder.Log()
	require.Len(t, log, 2)
	assert.ElementsMatch(t, []string{first, second}, []string{log[0].ReportName, log[1].ReportName})
	for _, rep := range log {
		assert.Len(t, rep.Participants, 3)
	}

	assert.Len(t, audit.Flatten(log), 6)
}

func TestRun_MappedParticipantWithMissingUCEColumns(t *testing.T) {
	src := filepath.Join(t.TempDir(), "results")
	writeReport(t, src, "1234.wes.2021-03-09.csv", []string{"1234_CH0001"},
		[]map[string]string{{"position": "X:500", "ref": "G", "alt": "A", "gts": "G/A", "trio_coverage": "40", "Zygosity.1234_CH0001": "Het"}},
		"uce_100bp", "uce_200bp")

	h := newHarness(t)
	h.srv.RespondWith("P0004384", http.StatusCreated)
	p := h.pipeline(t, resolve.NewMappingResolver(map[string]string{"1234_CH0001": "P0004384"}), nil)

	set := openDir(t, src)
	_, err := p.Run(context.Background(), set.Provider, set.Sources)
	require.NoError(t, err)

	log := h.recorder.Log()
	require.Len(t, log, 1)
	require.Len(t, log[0].Participants, 1)
	got := log[0].Participants[0]
	assert.Equal(t, []string{"uce_100bp", "uce_200bp"}, got.MissingCols)
	assert.Empty(t, got.ExtraCols)
	require.NotNil(t, got.IID)
	assert.Equal(t, "P0004384", *got.IID)
	require.NotNil(t, got.PostStatusCode)
	assert.Equal(t, http.StatusCreated, *got.PostStatusCode)
}

func TestRun_ResumeAndReportFailures(t *testing.T) {
	src := filepath.Join(t.TempDir(), "results")
	writeReport(t, src, "258.wes.2020-04-17.csv", samples258, rows258())
	require.NoError(t, os.WriteFile(filepath.Join(src, "999.wes.2021-01-01.csv"), []byte("foo,bar\n1,2\n"), 0o644))

	res := resolve.NewMappingResolver(map[string]string{"258_130201A": "P1", "258_CH0648": "P3"})

	first := newHarness(t)
	set := openDir(t, src)
	sum, err := first.pipeline(t, res, nil).Run(context.Background(), set.Provider, set.Sources)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Reports)
	assert.Equal(t, 1, sum.ReportErrors)
	assert.Equal(t, 2, sum.ByStatus[audit.StatusSuccess])
	assert.Equal(t, 1, sum.ByStatus[audit.StatusResolutionFailed])

	log := first.recorder.Log()
	require.Len(t, log, 2)
	assert.Equal(t, "999", log[1].Family)
	assert.Contains(t, log[1].Error, "unrecognized")
	assert.Empty(t, log[1].Participants)

	resume, err := LoadResume(context.Background(), []string{filepath.Join(first.outDir, "results.json")}, audit.ResumeSucceeded)
	require.NoError(t, err)
	assert.Equal(t, 2, resume.Len())

	// Same store, second run: resumed participants make no calls; the
	// unresolved one is retried and fails again.
	second := newHarness(t)
	second.srv = first.srv
	second.client = first.client
	before := len(first.srv.Uploads())
	sum, err = second.pipeline(t, res, resume).Run(context.Background(), set.Provider, set.Sources)
	require.NoError(t, err)
	assert.Equal(t, before, len(first.srv.Uploads()))
	assert.Equal(t, 2, sum.ByStatus[audit.StatusAlreadyProcessed])
	assert.Equal(t, 1, sum.ByStatus[audit.StatusResolutionFailed])
}

func TestRun_Interrupted(t *testing.T) {
	src := filepath.Join(t.TempDir(), "results")
	writeReport(t, src, "258.wes.2020-04-17.csv", samples258, rows258())

	h := newHarness(t)
	p := h.pipeline(t, resolve.NewMappingResolver(nil), nil)
	set := openDir(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := p.Run(ctx, set.Provider, set.Sources)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Interrupted)
	assert.Empty(t, h.srv.Uploads())
}

func TestRun_LedgerSinkFeedsResume(t *testing.T) {
	src := filepath.Join(t.TempDir(), "results")
	writeReport(t, src, "258.wes.2020-04-17.csv", samples258, rows258())

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	ledger, err := runstate.Open(ctx, runstate.Config{Path: dbPath})
	require.NoError(t, err)

	h := newHarness(t)
	h.recorder = audit.NewRecorder(nil, ledger.Sink("run-1"))
	res := resolve.NewMappingResolver(map[string]string{"258_130201A": "P1", "258_CH0615": "P2", "258_CH0648": "P3"})
	set := openDir(t, src)
	_, err = h.pipeline(t, res, nil).Run(ctx, set.Provider, set.Sources)
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	resume, err := LoadResume(ctx, []string{dbPath}, audit.ResumeSucceeded)
	require.NoError(t, err)
	for _, s := range samples258 {
		assert.True(t, resume.Has(s), s)
	}

	_, err = LoadResume(ctx, []string{filepath.Join(t.TempDir(), "absent.db")}, audit.ResumeSucceeded)
	assert.Error(t, err)
}

func TestOpenSources_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeReport(t, dir, "258.wes.2020-04-17.csv", samples258, rows258())
	writeReport(t, dir, "259.wes.2020-04-18.csv", nil, nil)

	m, err := match.New(match.Config{Includes: []string{"**"}})
	require.NoError(t, err)
	set, err := OpenSources(context.Background(), path, m, s3.Config{})
	require.NoError(t, err)
	defer set.Close()

	assert.True(t, set.Single)
	require.Len(t, set.Sources, 1)
	assert.Equal(t, "258.wes.2020-04-17.csv", set.Sources[0].Key)

	now := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "variant-store-results-258.wes.2020-04-17-on-2024-05-06", ResultsName(set, now))
	assert.Equal(t, "variant-store-results-2024-05-06", ResultsName(&SourceSet{}, now))

	_, err = OpenSources(context.Background(), filepath.Join(dir, "missing.csv"), m, s3.Config{})
	assert.Error(t, err)
}

func TestSplitSingle_S3(t *testing.T) {
	loc, name, err := splitSingle("s3://bucket/results/258/258.wes.2020-04-17.csv")
	require.NoError(t, err)
	assert.Equal(t, "results/258/", loc.Prefix)
	assert.Equal(t, "258.wes.2020-04-17.csv", name)

	loc, name, err = splitSingle("s3://bucket/results/")
	require.NoError(t, err)
	assert.Equal(t, "results/", loc.Prefix)
	assert.Empty(t, name)
}
