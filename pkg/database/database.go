// Package database defines the driver-agnostic surface shared by the
// relational sql adapters: connection manager contracts and a GORM logger
// bridge into the structured logger.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/coreim/messaging-core/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Driver names accepted by sql.Config.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverMSSQL    = "mssql"
)

// DB is the connection manager contract every relational adapter implements.
// GetDocument/GetKV/GetVector let a single manager expose non-relational
// handles (document store, kv, vector) where an adapter supports them;
// adapters that don't return nil.
type DB interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	GetDocument(ctx context.Context) interface{}
	GetKV(ctx context.Context) interface{}
	GetVector(ctx context.Context) interface{}
	Close() error
}

// gormLogAdapter routes GORM's own logging through the slog-based logger so
// query logs carry the same trace correlation and redaction as app logs.
type gormLogAdapter struct {
	slowThreshold time.Duration
	level         gormlogger.LogLevel
}

// NewGORMLogger returns a GORM logger.Interface backed by the slog logger.
func NewGORMLogger() gormlogger.Interface {
	return &gormLogAdapter{slowThreshold: 200 * time.Millisecond, level: gormlogger.Warn}
}

func (l *gormLogAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormLogAdapter) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		logger.L().InfoContext(ctx, msg, "args", args)
	}
}

func (l *gormLogAdapter) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		logger.L().WarnContext(ctx, msg, "args", args)
	}
}

func (l *gormLogAdapter) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		logger.L().ErrorContext(ctx, msg, "args", args)
	}
}

func (l *gormLogAdapter) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sqlStr, rows := fc()

	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		logger.L().ErrorContext(ctx, "gorm query failed", "sql", sqlStr, "rows", rows, "duration", elapsed, "error", err)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		logger.L().WarnContext(ctx, "slow gorm query", "sql", sqlStr, "rows", rows, "duration", elapsed)
	case l.level >= gormlogger.Info:
		logger.L().DebugContext(ctx, "gorm query", "sql", sqlStr, "rows", rows, "duration", elapsed)
	}
}
