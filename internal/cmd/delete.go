package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/creupload/internal/observability"
	"github.com/3leaps/creupload/pkg/store"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove an uploaded variant file from a store patient",
	Long: `Delete one variant source file from a patient record. This is a manual
operation for correcting uploads; upload runs never delete.

Example:
  creupload delete --patient P0004384 --file 258_CH0615_2020-04-17.csv`,
	Args: cobra.NoArgs,
	RunE: runDelete,
}

var (
	deletePatient string
	deleteFile    string
)

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().StringVar(&deletePatient, "patient", "", "Store patient id (required)")
	deleteCmd.Flags().StringVar(&deleteFile, "file", "", "Uploaded file name (required)")
	_ = deleteCmd.MarkFlagRequired("patient")
	_ = deleteCmd.MarkFlagRequired("file")
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg := currentConfig()
	if cfg.Store.BaseURL == "" {
		return exitError(foundry.ExitInvalidArgument, "Store not configured",
			errors.New("store.base_url is required (CREUPLOAD_STORE_BASE_URL or config file)"))
	}
	auth, err := store.NewAuth(cfg.Auth.Store())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid store credentials", err)
	}
	client, err := store.New(cfg.Store.Client(versionInfo.Version), auth, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid store configuration", err)
	}

	code, err := client.DeleteVariantFile(cmd.Context(), deletePatient, deleteFile)
	if err != nil {
		if errors.Is(err, store.ErrInvalidFileName) {
			return exitError(foundry.ExitInvalidArgument, "Invalid --file value", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Delete request failed", err)
	}

	observability.CLILogger.Info("Delete completed",
		zap.String("patient", deletePatient),
		zap.String("file", deleteFile),
		zap.Int("status", code))

	switch {
	case code >= 200 && code < 300:
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s from %s (%d)\n", deleteFile, deletePatient, code)
		return nil
	case code == http.StatusNotFound:
		return exitError(foundry.ExitFileNotFound, "File not found on patient", fmt.Errorf("status %d", code))
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Delete rejected", fmt.Errorf("status %d %s", code, http.StatusText(code)))
	}
}
