package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger adapts a slog.Logger to gorm's logger.Interface. Queries are
// logged at DEBUG, slow queries and query errors at WARN.
type GormLogger struct {
	log           *slog.Logger
	slowThreshold time.Duration
}

// NewGormLogger returns an adapter. A zero slowThreshold disables slow query
// warnings.
func NewGormLogger(log *slog.Logger, slowThreshold time.Duration) *GormLogger {
	if log == nil {
		log = slog.Default()
	}
	return &GormLogger{log: log.With("module", "gorm"), slowThreshold: slowThreshold}
}

// LogMode returns the adapter unchanged; the level is owned by slog.
func (g *GormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return g }

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	g.log.DebugContext(ctx, fmt.Sprintf(msg, data...))
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	g.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	g.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
}

func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.log.WarnContext(ctx, "query error", "sql", sql, "rows", rows, "duration_ms", elapsed.Milliseconds(), "error", err)
	case g.slowThreshold > 0 && elapsed > g.slowThreshold:
		sql, rows := fc()
		g.log.WarnContext(ctx, "slow query", "sql", sql, "rows", rows, "duration_ms", elapsed.Milliseconds())
	case g.log.Enabled(ctx, slog.LevelDebug):
		sql, rows := fc()
		g.log.DebugContext(ctx, "query", "sql", sql, "rows", rows, "duration_ms", elapsed.Milliseconds())
	}
}
