package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the daemon diagnostic log.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes the supervisor's own diagnostic logging. Child process
// stdio is not rotated and not handled here: instances own plain append-only
// log files so the output watcher's read offsets stay valid across restarts.
type Config struct {
	Level      string `toml:"level" mapstructure:"level"` // debug|info|warn|error
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"` // optional rotating file sink
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// New builds a slog.Logger per config: colored text on stderr for humans,
// plus an optional lumberjack-rotated JSON file (the durable diagnostic
// sink for background task failures).
func New(c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	var h slog.Handler
	if c.Color {
		h = NewColorTextHandler(os.Stderr, opts, true)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	if c.File != "" {
		fileH := slog.NewJSONHandler(fileWriter(c), opts)
		h = multiHandler{handlers: []slog.Handler{h, fileH}}
	}
	return slog.New(h)
}

func fileWriter(c Config) io.Writer {
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
