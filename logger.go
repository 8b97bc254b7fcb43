package tilecache

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/tilecache/internal/resource"
	"github.com/hupe1980/tilecache/model"
)

// Logger wraps slog.Logger with tile-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// NewLoggerFromConfig builds a Logger from the logging section of a Config.
func NewLoggerFromConfig(cfg LoggingConfig) *Logger {
	level := parseLevel(cfg.Level)
	if strings.EqualFold(cfg.Format, "json") {
		return NewJSONLogger(level)
	}
	return NewTextLogger(level)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WithSession adds a session field to the logger.
func (l *Logger) WithSession(id model.SessionID) *Logger {
	return &Logger{
		Logger: l.Logger.With("session", uint64(id)),
	}
}

// WithFingerprint adds a fingerprint field to the logger.
func (l *Logger) WithFingerprint(fp model.Fingerprint) *Logger {
	return &Logger{
		Logger: l.Logger.With("fingerprint", fp.String()),
	}
}

// LogSessionStart logs the start of a scanning session.
func (l *Logger) LogSessionStart(ctx context.Context, id model.SessionID, pairs, batches int) {
	l.InfoContext(ctx, "session started",
		"session", uint64(id),
		"pairs", pairs,
		"batches", batches,
	)
}

// LogSessionEnd logs the end of a scanning session.
func (l *Logger) LogSessionEnd(ctx context.Context, id model.SessionID, tiles, invalidated int) {
	l.InfoContext(ctx, "session closed",
		"session", uint64(id),
		"tiles", tiles,
		"invalidated", invalidated,
	)
}

// LogBuild logs a thumbnail build.
func (l *Logger) LogBuild(ctx context.Context, key model.CacheKey, duration time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "thumbnail build failed",
			"key", key.String(),
			"duration", duration,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "thumbnail built",
			"key", key.String(),
			"duration", duration,
		)
	}
}

// LogDegraded logs a tile shown as a placeholder.
func (l *Logger) LogDegraded(ctx context.Context, fp model.Fingerprint, reason error) {
	l.DebugContext(ctx, "tile degraded",
		"fingerprint", fp.String(),
		"reason", reason,
	)
}

// LogEviction logs an eviction report.
func (l *Logger) LogEviction(ctx context.Context, report resource.EvictionReport) {
	if report.Count() == 0 {
		return
	}
	l.DebugContext(ctx, "tiles evicted",
		"pressure", report.Level.String(),
		"count", report.Count(),
		"freed", humanize.IBytes(uint64(max(report.BytesFreed, 0))),
	)
}

// LogBudget logs the effective memory budget.
func (l *Logger) LogBudget(ctx context.Context, maxBytes int64, auto bool) {
	l.InfoContext(ctx, "memory budget",
		"max", humanize.IBytes(uint64(max(maxBytes, 0))),
		"auto", auto,
	)
}

// LogResolve logs a viewport resolve.
func (l *Logger) LogResolve(ctx context.Context, w model.ViewportWindow, materialize, release int) {
	l.DebugContext(ctx, "viewport resolved",
		"visible", w.Visible.String(),
		"buffer", w.Buffer.String(),
		"columns", w.Columns,
		"materialize", materialize,
		"release", release,
	)
}
