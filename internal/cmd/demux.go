package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/creupload/internal/observability"
	"github.com/3leaps/creupload/pkg/demux"
	"github.com/3leaps/creupload/pkg/match"
	"github.com/3leaps/creupload/pkg/pipeline"
	"github.com/3leaps/creupload/pkg/provider"
	"github.com/3leaps/creupload/pkg/report"
	"github.com/3leaps/creupload/pkg/schema"
)

var demuxCmd = &cobra.Command{
	Use:   "demux <report|dir>...",
	Short: "Split reports into participant reports without uploading",
	Long: `Normalize and demultiplex family reports, writing one participant report
per family member in the store's upload layout. Nothing is sent to the store.

Example:
  creupload demux 258.wes.2020-04-17.csv -o ./split
  creupload demux s3://cre/results/ --row-policy called -o s3://cre/split/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDemux,
}

var (
	demuxOutput    string
	demuxRowPolicy string
	demuxKeepExtra bool
	demuxDropDups  bool
)

func init() {
	rootCmd.AddCommand(demuxCmd)

	demuxCmd.Flags().StringVarP(&demuxOutput, "output", "o", "demultiplexed_reports", "Destination directory or s3:// prefix")
	demuxCmd.Flags().StringVar(&demuxRowPolicy, "row-policy", string(demux.RowsAll), "Participant rows to keep (all|called)")
	demuxCmd.Flags().BoolVar(&demuxKeepExtra, "keep-extra-columns", false, "Keep unrecognized report columns")
	demuxCmd.Flags().BoolVar(&demuxDropDups, "drop-duplicates", true, "Drop repeated variants")
}

func runDemux(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	rows, err := demux.ParseRowPolicy(demuxRowPolicy)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --row-policy value", err)
	}
	s3Base := currentConfig().S3.Provider()

	archive, closeArchive, err := openArchive(ctx, demuxOutput, s3Base)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer closeArchive()

	matcher, err := match.New(match.Config{Includes: []string{"**"}})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid match patterns", err)
	}
	normalizer := schema.NewNormalizer(schema.Options{
		KeepExtraColumns: demuxKeepExtra,
		DropDuplicates:   demuxDropDups,
	}, observability.CLILogger)

	failed := 0
	for _, arg := range args {
		set, err := pipeline.OpenSources(ctx, arg, matcher, s3Base)
		if err != nil {
			code := foundry.ExitExternalServiceUnavailable
			if isNotFound(err) {
				code = foundry.ExitFileNotFound
			}
			return exitError(code, "Failed to open "+arg, err)
		}

		for _, src := range set.Sources {
			if err := ctx.Err(); err != nil {
				_ = set.Close()
				return exitError(foundry.ExitSignalInt, "demux cancelled", err)
			}
			raw, err := report.Load(ctx, set.Provider, src, 0)
			if err != nil {
				failed++
				observability.CLILogger.Error("Failed to read report", zap.String("report", src.Path), zap.Error(err))
				continue
			}
			c, err := normalizer.Normalize(raw)
			if err != nil {
				failed++
				observability.CLILogger.Error("Failed to normalize report", zap.String("report", src.Path), zap.Error(err))
				continue
			}
			parts, err := demux.Split(c, rows)
			if err != nil {
				failed++
				observability.CLILogger.Error("Failed to demultiplex report", zap.String("report", src.Path), zap.Error(err))
				continue
			}

			fmt.Fprintf(out, "%s  version=%s participants=%d\n", raw.Base(), c.Version, len(parts))
			if len(c.Diagnostics.Missing) > 0 {
				fmt.Fprintf(out, "  missing: %s\n", strings.Join(c.Diagnostics.Missing, ", "))
			}
			if len(c.Diagnostics.Extra) > 0 {
				fmt.Fprintf(out, "  extra:   %s\n", strings.Join(c.Diagnostics.Extra, ", "))
			}
			for _, part := range parts {
				key, err := archive.Put(ctx, part)
				if err != nil {
					_ = set.Close()
					return exitError(foundry.ExitFileWriteError, "Failed to write participant report", err)
				}
				fmt.Fprintf(out, "  %-24s %6d variants  %s\n", part.ExternalID(), part.Len(), key)
			}
		}
		_ = set.Close()
	}

	if failed > 0 {
		return exitError(foundry.ExitInvalidArgument, "demux completed with errors", fmt.Errorf("failed_reports=%d", failed))
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || provider.IsNotFound(err)
}
