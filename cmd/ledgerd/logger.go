package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/marketledger/internal/config"
)

// newLogger builds the JSON logger. When a log file is configured, output
// goes to both stdout and a rotating file. The returned closer flushes and
// closes the file.
func newLogger(level string, lf config.LogFileConfig) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if lf.Path == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), func() {}
	}

	if err := os.MkdirAll(filepath.Dir(lf.Path), 0o755); err != nil {
		// Fall back to stdout only.
		logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
		logger.Warn("log file disabled",
			slog.String("path", lf.Path),
			slog.String("error", err.Error()),
		)
		return logger, func() {}
	}

	fileLogger := &lumberjack.Logger{
		Filename:   lf.Path,
		MaxSize:    lf.MaxSizeMB,
		MaxBackups: lf.MaxBackups,
		MaxAge:     lf.MaxAgeDays,
		Compress:   lf.Compress,
	}
	writer := io.MultiWriter(os.Stdout, fileLogger)
	return slog.New(slog.NewJSONHandler(writer, opts)), func() { _ = fileLogger.Close() }
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
