// Package cmd implements the creupload command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/creupload/internal/config"
	"github.com/3leaps/creupload/internal/observability"
)

const appName = "creupload"

const (
	exitOK      = 0
	exitFailure = 1
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// store client's User-Agent.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	configPath string
	verbose    bool
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Upload demultiplexed CRE variant reports to the patient store",
	Long: `creupload normalizes family-level CRE variant reports, splits them into
one report per participant, resolves each participant to a store patient
and uploads the participant report, recording one outcome per participant.

Runs are resumable: pass a previous run's audit log with --resume-from and
participants already handled are skipped without contacting the store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		logging := map[string]any{}
		if cmd.Flags().Changed("log-level") {
			logging["level"] = logLevel
		}
		if cmd.Flags().Changed("log-file") {
			logging["file"] = logFile
		}
		if len(logging) > 0 {
			overrides["logging"] = logging
		}

		cfg, err := config.LoadFile(cmd.Context(), configPath, overrides)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		err = observability.InitCLILoggerWith(appName, observability.LogOptions{
			Level:   cfg.Logging.Level,
			Verbose: verbose,
			File:    cfg.Logging.File,
		})
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to initialize logging", err)
		}
		observability.CLILogger.Debug("Configuration loaded",
			zap.String("store", cfg.Store.BaseURL),
			zap.String("lookup", cfg.Store.Lookup),
			zap.String("auth", cfg.Auth.Method))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		observability.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: ./creupload.yaml or $CREUPLOAD_CONFIG)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logFile, "log-file", "", `Also write JSON logs to this file ("auto" for variant-upload-<date>.log)`)
}

// currentConfig returns the loaded configuration, or an empty one when
// the root pre-run has not executed.
func currentConfig() *config.Config {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	return &config.Config{}
}

// Execute runs the root command under ctx and returns the process exit
// code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return ExitCode(err)
	}
	return exitOK
}

// cliError carries a foundry exit code to Execute.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// ExitCode returns the exit code carried by err, or 1.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitFailure
}
