package logging

import (
	"log/slog"
	"os"
	"strings"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger builds the process-wide JSON logger. Unknown level names fall
// back to info.
func NewLogger(level string) *slog.Logger {
	lvl, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// ForShard returns a child logger tagged with the partition that owns it.
func ForShard(logger *slog.Logger, partition int) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return logger.With("partition", partition)
}
