//go:build cloudintegration

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/creupload/pkg/audit"
	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/match"
	"github.com/3leaps/creupload/pkg/provider/s3"
	"github.com/3leaps/creupload/pkg/resolve"
	"github.com/3leaps/creupload/pkg/schema"
	"github.com/3leaps/creupload/pkg/upload"
	"github.com/3leaps/creupload/test/cloudtest"
)

func TestRun_S3SourceAndArchive(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	local := writeReport(t, t.TempDir(), "258.wes.2020-04-17.csv", samples258, rows258())
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	cloudtest.PutObject(t, ctx, bucket, "results/258/258.wes.2020-04-17.csv", data)
	cloudtest.PutObject(t, ctx, bucket, "results/258/notes.txt", []byte("not a report"))

	m, err := match.New(match.Config{Includes: []string{"**"}})
	require.NoError(t, err)
	set, err := OpenSources(ctx, "s3://"+bucket+"/results/", m, cloudtest.ProviderConfig(bucket))
	require.NoError(t, err)
	defer func() { _ = set.Close() }()
	require.Len(t, set.Sources, 1)
	assert.True(t, strings.HasSuffix(set.Sources[0].Key, "258.wes.2020-04-17.csv"))

	archiveProvider, err := s3.New(ctx, cloudtest.ProviderConfig(bucket))
	require.NoError(t, err)
	defer func() { _ = archiveProvider.Close() }()
	archive, err := NewArchive(archiveProvider, "demultiplexed_reports")
	require.NoError(t, err)

	h := newHarness(t)
	res := resolve.NewMappingResolver(map[string]string{"258_130201A": "P1", "258_CH0615": "P2", "258_CH0648": "P3"})
	orch := upload.New(h.client, res, nil, h.recorder)
	p := New("", orch, h.recorder, Options{
		Normalize:  schema.DefaultOptions(),
		RowPolicy:  demux.RowsAll,
		Archive:    archive,
		Checkpoint: filepath.Join(h.outDir, "results.json"),
	})

	sum, err := p.Run(ctx, set.Provider, set.Sources)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.ByStatus[audit.StatusSuccess])
	assert.Len(t, h.srv.Uploads(), 3)

	archived := cloudtest.GetObject(t, ctx, bucket, "demultiplexed_reports/258_CH0615_2020-04-17"+ArchiveSuffix)
	assert.True(t, strings.HasPrefix(string(archived), "#Position,UCSC_Link"))
	assert.Equal(t, string(h.srv.UploadsFor("P2")[0].Content), string(archived))
}
