// Package sql defines the configuration and connection-manager contract
// shared by the relational adapters (postgres, sqlite, mysql, mssql).
package sql

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Config holds connection parameters for a relational adapter.
type Config struct {
	Driver          string        `env:"DB_DRIVER" env-default:"postgres"`
	Host            string        `env:"DB_HOST" env-default:"localhost"`
	Port            string        `env:"DB_PORT" env-default:"5432"`
	User            string        `env:"DB_USER"`
	Password        string        `env:"DB_PASSWORD"`
	Name            string        `env:"DB_NAME"`
	SSLMode         string        `env:"DB_SSLMODE" env-default:"disable"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"100"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
}

// SQL is the connection manager contract implemented by each relational adapter.
type SQL interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	Close() error
}
