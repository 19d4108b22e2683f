package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"spamguard/internal/config"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger writes JSON records to stdout and, when a log file path is
// configured, to a size-rotated file as well.
func NewLogger(level string, file config.LogFileConfig) *slog.Logger {
	return slog.New(slog.NewJSONHandler(Output(file), &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func Output(file config.LogFileConfig) io.Writer {
	if strings.TrimSpace(file.Path) == "" {
		return os.Stdout
	}
	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}
	return io.MultiWriter(os.Stdout, rotator)
}
