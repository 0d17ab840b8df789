package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/creupload/internal/observability"
	"github.com/3leaps/creupload/pkg/audit"
)

var flattenCmd = &cobra.Command{
	Use:   "flatten <audit-log.json>",
	Short: "Convert a nested audit log to the flat CSV",
	Long: `Flatten a nested JSON audit log into one CSV row per participant with the
columns report_name, family, eid, iid, variants_found, missing_cols,
extra_cols and post_status_code.

Example:
  creupload flatten out/variant-store-results-2024-05-01.json
  creupload flatten run.json -o run-flat.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runFlatten,
}

var flattenOutput string

func init() {
	rootCmd.AddCommand(flattenCmd)
	flattenCmd.Flags().StringVarP(&flattenOutput, "output", "o", "", "CSV path (default: input with .csv extension)")
}

func runFlatten(cmd *cobra.Command, args []string) error {
	src := args[0]
	dst := flattenOutput
	if dst == "" {
		dst = strings.TrimSuffix(src, filepath.Ext(src)) + ".csv"
	}
	if dst == src {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("output would overwrite %s", src))
	}

	n, err := audit.FlattenFile(src, dst)
	if err != nil {
		observability.CLILogger.Error("Failed to flatten audit log", zap.String("path", src), zap.Error(err))
		if isNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Audit log not found", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to flatten audit log", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows to %s\n", n, dst)
	return nil
}
