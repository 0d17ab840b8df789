// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// AutoLogFile selects a dated log file name for LogOptions.File.
const AutoLogFile = "auto"

var (
	mu      sync.Mutex
	logFile *os.File
)

// LogOptions configures the CLI logger.
type LogOptions struct {
	// Level is a zap level name. Verbose forces debug.
	Level   string
	Verbose bool

	// File additionally receives JSON records. AutoLogFile writes
	// variant-upload-<date>.log in the working directory.
	File string
}

// InitCLILogger installs a console logger on stderr.
func InitCLILogger(appName string, verbose bool) {
	_ = InitCLILoggerWith(appName, LogOptions{Verbose: verbose})
}

// InitCLILoggerWith installs the CLI logger described by opts. It returns an
// error when the level or the log file is invalid; the previous logger is
// kept in that case.
func InitCLILoggerWith(appName string, opts LogOptions) error {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		level.SetLevel(lvl)
	}
	if opts.Verbose {
		level.SetLevel(zapcore.DebugLevel)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	var f *os.File
	if opts.File != "" {
		path := LogFilePath(opts.File, time.Now())
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(f),
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...)).Named(appName)

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = CLILogger.Sync()
		_ = logFile.Close()
	}
	CLILogger = logger
	logFile = f
	return nil
}

// LogFilePath resolves the File option. AutoLogFile yields
// variant-upload-YYYY-MM-DD.log.
func LogFilePath(file string, now time.Time) string {
	if file == AutoLogFile {
		return "variant-upload-" + now.Format("2006-01-02") + ".log"
	}
	return file
}

// Sync flushes the CLI logger and closes the log file, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
