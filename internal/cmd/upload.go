package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/creupload/internal/config"
	"github.com/3leaps/creupload/internal/observability"
	"github.com/3leaps/creupload/pkg/audit"
	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/manifest"
	"github.com/3leaps/creupload/pkg/match"
	"github.com/3leaps/creupload/pkg/output"
	"github.com/3leaps/creupload/pkg/pipeline"
	"github.com/3leaps/creupload/pkg/provider"
	"github.com/3leaps/creupload/pkg/provider/s3"
	"github.com/3leaps/creupload/pkg/resolve"
	"github.com/3leaps/creupload/pkg/runstate"
	"github.com/3leaps/creupload/pkg/schema"
	"github.com/3leaps/creupload/pkg/store"
	"github.com/3leaps/creupload/pkg/upload"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Demultiplex reports and upload participant reports to the store",
	Long: `Run an upload job from a manifest or from flags.

Each report is normalized and split into participant reports. Every
participant is resolved to a store patient and its report uploaded. One
outcome per participant is written to <name>.json (nested, rewritten after
every report), <name>.jsonl (append-only) and <name>.csv (flat, at the end).

Example:
  creupload upload --report-dir ./results --mapping-file eids.csv
  creupload upload --report-path s3://cre/results/258.wes.2020-04-17.csv
  creupload upload --job nightly.yaml --resume-from out/variant-store-results-2024-05-01.json
  creupload upload --job nightly.yaml --dry-run`,
	RunE: runUpload,
}

var (
	uploadJobPath      string
	uploadReportDir    string
	uploadReportPath   string
	uploadIncludes     []string
	uploadExcludes     []string
	uploadIdentity     string
	uploadMappingFile  string
	uploadResumeFrom   []string
	uploadResumePolicy string
	uploadStateDB      string
	uploadRowPolicy    string
	uploadKeepExtra    bool
	uploadOutputDir    string
	uploadName         string
	uploadArchive      bool
	uploadArchiveDir   string
	uploadDryRun       bool
)

func init() {
	rootCmd.AddCommand(uploadCmd)

	f := uploadCmd.Flags()
	f.StringVarP(&uploadJobPath, "job", "j", "", "Path to job manifest")
	f.StringVar(&uploadReportDir, "report-dir", "", "Directory (local or s3://) of family reports")
	f.StringVar(&uploadReportPath, "report-path", "", "A single family report")
	f.StringSliceVar(&uploadIncludes, "include", nil, "Glob of reports to include (repeatable)")
	f.StringSliceVar(&uploadExcludes, "exclude", nil, "Glob of reports to exclude (repeatable)")
	f.StringVar(&uploadIdentity, "identity", "", "Identity strategy (mapping|remote)")
	f.StringVar(&uploadMappingFile, "mapping-file", "", "CSV/TSV/XLSX table of external_id to report_id")
	f.StringSliceVar(&uploadResumeFrom, "resume-from", nil, "Prior run log (.json, .jsonl) or ledger (.db) to skip (repeatable)")
	f.StringVar(&uploadResumePolicy, "resume-policy", "", "Which prior outcomes to skip (succeeded|attempted)")
	f.StringVar(&uploadStateDB, "state-db", "", "Record outcomes into this run ledger")
	f.StringVar(&uploadRowPolicy, "row-policy", "", "Participant rows to keep (all|called)")
	f.BoolVar(&uploadKeepExtra, "keep-extra-columns", false, "Keep unrecognized report columns")
	f.StringVarP(&uploadOutputDir, "output-dir", "o", "", "Directory for audit outputs")
	f.StringVar(&uploadName, "name", "", "Base name for audit outputs (default variant-store-results-<date>)")
	f.BoolVar(&uploadArchive, "archive", false, "Archive participant reports before upload")
	f.StringVar(&uploadArchiveDir, "archive-dir", "", "Archive location (default <output-dir>/demultiplexed_reports)")
	f.BoolVar(&uploadDryRun, "dry-run", false, "Validate inputs and show the plan without uploading")

	uploadCmd.MarkFlagsMutuallyExclusive("report-dir", "report-path")
}

func runUpload(cmd *cobra.Command, args []string) error {
	m, err := buildUploadManifest(cmd)
	if err != nil {
		observability.CLILogger.Error("Invalid upload job", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid upload job", err)
	}
	policy, err := audit.ParseResumePolicy(m.Resume.Policy)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid resume policy", err)
	}
	rows, err := demux.ParseRowPolicy(m.Demux.RowPolicy)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid row policy", err)
	}

	if uploadDryRun {
		return showUploadPlan(cmd.OutOrStdout(), m)
	}

	cfg := currentConfig()
	if cfg.Store.BaseURL == "" {
		return exitError(foundry.ExitInvalidArgument, "Store not configured",
			errors.New("store.base_url is required (CREUPLOAD_STORE_BASE_URL or config file)"))
	}
	return executeUpload(cmd.Context(), cmd.OutOrStdout(), cfg, m, policy, rows)
}

// buildUploadManifest loads --job, or synthesizes a manifest from flags, and
// applies flag overrides either way.
func buildUploadManifest(cmd *cobra.Command) (*manifest.Manifest, error) {
	var m *manifest.Manifest
	if uploadJobPath != "" {
		var err error
		if m, err = manifest.Load(uploadJobPath); err != nil {
			return nil, err
		}
	} else {
		m = &manifest.Manifest{Version: manifest.DefaultVersion}
	}

	changed := cmd.Flags().Changed
	switch {
	case uploadReportDir != "":
		m.Reports.Source = uploadReportDir
	case uploadReportPath != "":
		m.Reports.Source = uploadReportPath
	}
	if m.Reports.Source == "" {
		return nil, errors.New("one of --job, --report-dir or --report-path is required")
	}
	if changed("include") {
		m.Reports.Includes = uploadIncludes
	}
	if changed("exclude") {
		m.Reports.Excludes = uploadExcludes
	}
	if changed("mapping-file") {
		m.Identity.MappingFile = uploadMappingFile
		if !changed("identity") {
			m.Identity.Strategy = manifest.StrategyMapping
		}
	}
	if changed("identity") {
		m.Identity.Strategy = uploadIdentity
	}
	if changed("resume-from") {
		m.Resume.From = append(m.Resume.From, uploadResumeFrom...)
	}
	if changed("resume-policy") {
		m.Resume.Policy = uploadResumePolicy
	}
	if changed("state-db") {
		m.Resume.StateDB = uploadStateDB
	}
	if changed("row-policy") {
		m.Demux.RowPolicy = uploadRowPolicy
	}
	if changed("keep-extra-columns") {
		m.Normalize.KeepExtraColumns = uploadKeepExtra
	}
	if changed("output-dir") {
		m.Output.Dir = uploadOutputDir
	}
	if changed("name") {
		m.Output.Name = uploadName
	}
	if changed("archive") {
		m.Output.Archive = uploadArchive
	}
	if changed("archive-dir") {
		m.Output.ArchiveDir = uploadArchiveDir
		m.Output.Archive = true
	}

	m.ApplyDefaults()
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func showUploadPlan(w io.Writer, m *manifest.Manifest) error {
	fmt.Fprintln(w, "=== Upload Plan (dry-run) ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Reports:     %s\n", m.Reports.Source)
	fmt.Fprintf(w, "  Include:   %s\n", strings.Join(m.Reports.Includes, ", "))
	if len(m.Reports.Excludes) > 0 {
		fmt.Fprintf(w, "  Exclude:   %s\n", strings.Join(m.Reports.Excludes, ", "))
	}
	fmt.Fprintf(w, "Identity:    %s", m.Identity.Strategy)
	if m.Identity.Strategy == manifest.StrategyMapping {
		fmt.Fprintf(w, " (%s: %s -> %s)", m.Identity.MappingFile, m.Identity.KeyColumn, m.Identity.ValueColumn)
	}
	fmt.Fprintln(w)
	if len(m.Resume.From) > 0 {
		fmt.Fprintf(w, "Resume:      %s (%s)\n", strings.Join(m.Resume.From, ", "), m.Resume.Policy)
	}
	if m.Resume.StateDB != "" {
		fmt.Fprintf(w, "Ledger:      %s\n", m.Resume.StateDB)
	}
	fmt.Fprintf(w, "Rows:        %s\n", m.Demux.RowPolicy)
	fmt.Fprintf(w, "Output:      %s\n", m.Output.Dir)
	if m.Output.Archive {
		fmt.Fprintf(w, "Archive:     %s\n", archiveLocation(m))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Job validated successfully. Remove --dry-run to execute.")
	return nil
}

func executeUpload(ctx context.Context, stdout io.Writer, cfg *config.Config, m *manifest.Manifest, policy audit.ResumePolicy, rows demux.RowPolicy) error {
	runID := uuid.NewString()
	log := observability.CLILogger.With(zap.String("run_id", runID))

	matcher, err := match.New(match.Config{
		Includes:      m.Reports.Includes,
		Excludes:      m.Reports.Excludes,
		IncludeHidden: m.Reports.IncludeHidden,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid report patterns", err)
	}

	set, err := pipeline.OpenSources(ctx, m.Reports.Source, matcher, cfg.S3.Provider())
	if err != nil {
		log.Error("Failed to open report source", zap.String("source", m.Reports.Source), zap.Error(err))
		if isNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Report source not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open report source", err)
	}
	defer func() { _ = set.Close() }()
	log.Info("Reports discovered", zap.String("source", set.Location.String()), zap.Int("reports", len(set.Sources)))

	resume, err := pipeline.LoadResume(ctx, m.Resume.From, policy)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to load resume sources", err)
	}
	if resume.Len() > 0 {
		log.Info("Resume set loaded", zap.Int("participants", resume.Len()), zap.String("policy", string(policy)))
	}

	auth, err := store.NewAuth(cfg.Auth.Store())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid store credentials", err)
	}
	client, err := store.New(cfg.Store.Client(versionInfo.Version), auth, log)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid store configuration", err)
	}

	resolver, err := buildResolver(m, client, cfg.Store.Lookup)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to load identity mapping", err)
	}
	cached := resolve.NewCached(resolver, log)

	base, err := outputBase(m, set, time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --name value", err)
	}
	if err := os.MkdirAll(m.Output.Dir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output directory", err)
	}

	streamFile, err := os.OpenFile(base+".jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create outcome stream", err)
	}
	defer func() { _ = streamFile.Close() }()
	stream := output.NewJSONLWriter(streamFile, runID)
	defer func() { _ = stream.Close() }()

	err = stream.WriteRun(ctx, &output.RunRecord{
		Source:   set.Location.String(),
		Identity: m.Identity.Strategy,
		Resume:   m.Resume.From,
		Store:    cfg.Store.BaseURL,
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write outcome stream", err)
	}

	sinks := []audit.Sink{audit.NewJSONLSink(stream)}
	if m.Resume.StateDB != "" {
		ledger, err := runstate.Open(ctx, pipeline.LedgerConfig(m.Resume.StateDB))
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open run ledger", err)
		}
		defer func() { _ = ledger.Close() }()
		if err := ledger.BeginRun(ctx, runID, set.Location.String()); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open run ledger", err)
		}
		defer func() {
			if err := ledger.FinishRun(context.WithoutCancel(ctx), runID); err != nil {
				log.Warn("Run ledger not finalized", zap.Error(err))
			}
		}()
		sinks = append(sinks, ledger.Sink(runID))
	}
	recorder := audit.NewRecorder(log, sinks...)

	var archive *pipeline.Archive
	if m.Output.Archive {
		a, closeArchive, err := openArchive(ctx, archiveLocation(m), cfg.S3.Provider())
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open archive", err)
		}
		defer closeArchive()
		archive = a
	}

	orch := upload.New(client, cached, resume, recorder, upload.WithLogger(log))
	p := pipeline.New(runID, orch, recorder, pipeline.Options{
		Normalize: schema.Options{
			KeepExtraColumns: m.Normalize.KeepExtraColumns,
			DropDuplicates:   m.Normalize.DropDuplicatesEnabled(),
		},
		RowPolicy:      rows,
		MaxReportBytes: m.Reports.MaxBytes,
		Archive:        archive,
		Checkpoint:     base + ".json",
		Stream:         stream,
		Logger:         log,
	})

	sum, runErr := p.Run(ctx, set.Provider, set.Sources)

	if err := recorder.WriteJSON(base + ".json"); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write audit log", err)
	}
	if err := audit.WriteCSVFile(base+".csv", recorder.Log()); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write flat audit log", err)
	}
	printSummary(stdout, sum, cached, base)

	if runErr != nil {
		return exitError(foundry.ExitSignalInt, "Upload interrupted", runErr)
	}
	return nil
}

func buildResolver(m *manifest.Manifest, client *store.Client, lookup string) (resolve.Resolver, error) {
	if m.Identity.Strategy == manifest.StrategyMapping {
		r, err := resolve.LoadMappingFile(m.Identity.MappingFile, m.Identity.KeyColumn, m.Identity.ValueColumn)
		if err != nil {
			return nil, err
		}
		observability.CLILogger.Info("Identity mapping loaded",
			zap.String("path", m.Identity.MappingFile),
			zap.Int("entries", r.Len()))
		return r, nil
	}
	mode, err := resolve.ParseLookupMode(lookup)
	if err != nil {
		return nil, err
	}
	return resolve.NewRemoteResolver(client, mode), nil
}

// outputBase returns the path prefix for the run's audit outputs. The run
// rewrites <base>.json after every report, so it must not be a file the
// resume set was read from: a default name gets a time suffix instead, and
// an explicit name is refused.
func outputBase(m *manifest.Manifest, set *pipeline.SourceSet, now time.Time) (string, error) {
	if m.Output.Name != "" {
		base := filepath.Join(m.Output.Dir, m.Output.Name)
		if src, ok := resumeSourceFor(base, m.Resume.From); ok {
			return "", fmt.Errorf("output %s.json would overwrite resume source %s", base, src)
		}
		return base, nil
	}

	name := pipeline.ResultsName(set, now)
	base := filepath.Join(m.Output.Dir, name)
	stamped := name + "-" + now.Format("150405")
	for i := 1; ; i++ {
		src, ok := resumeSourceFor(base, m.Resume.From)
		if !ok {
			return base, nil
		}
		next := stamped
		if i > 1 {
			next = fmt.Sprintf("%s-%d", stamped, i)
		}
		observability.CLILogger.Info("Default output name is a resume source, renaming",
			zap.String("resume_from", src),
			zap.String("name", next))
		base = filepath.Join(m.Output.Dir, next)
	}
}

// resumeSourceFor returns the resume source that base's JSON or JSONL
// output would overwrite.
func resumeSourceFor(base string, sources []string) (string, bool) {
	outputs := []string{samePath(base + ".json"), samePath(base + ".jsonl")}
	for _, src := range sources {
		p := samePath(src)
		for _, o := range outputs {
			if p == o {
				return src, true
			}
		}
	}
	return "", false
}

func samePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func archiveLocation(m *manifest.Manifest) string {
	if m.Output.ArchiveDir != "" {
		return m.Output.ArchiveDir
	}
	return filepath.Join(m.Output.Dir, manifest.DefaultArchiveDir)
}

func openArchive(ctx context.Context, location string, s3Base s3.Config) (*pipeline.Archive, func(), error) {
	loc, err := provider.ParseLocation(location)
	if err != nil {
		return nil, nil, err
	}
	if loc.Provider == provider.ProviderFile {
		if err := os.MkdirAll(loc.Dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	p, err := pipeline.OpenProvider(ctx, loc, s3Base)
	if err != nil {
		return nil, nil, err
	}
	a, err := pipeline.NewArchive(p, loc.Prefix)
	if err != nil {
		_ = p.Close()
		return nil, nil, err
	}
	return a, func() { _ = p.Close() }, nil
}

func printSummary(w io.Writer, sum pipeline.Summary, ids *resolve.Cached, base string) {
	fmt.Fprintln(w, "=== Upload Summary ===")
	fmt.Fprintf(w, "Run:            %s\n", sum.RunID)
	fmt.Fprintf(w, "Reports:        %d (%d failed)\n", sum.Reports, sum.ReportErrors)
	fmt.Fprintf(w, "Participants:   %d\n", sum.Outcomes)
	for _, st := range audit.Statuses {
		fmt.Fprintf(w, "  %-18s %d\n", string(st)+":", sum.ByStatus[st])
	}
	fmt.Fprintf(w, "Identities:     %d resolved (%d cache hits)\n", ids.Len(), ids.Hits())
	fmt.Fprintf(w, "Duration:       %s\n", sum.Duration.Round(time.Millisecond))
	if sum.Interrupted {
		fmt.Fprintln(w, "Interrupted:    yes (resume with --resume-from "+base+".json)")
	}
	fmt.Fprintf(w, "Audit log:      %s.json\n", base)
	fmt.Fprintf(w, "Flat log:       %s.csv\n", base)
}
