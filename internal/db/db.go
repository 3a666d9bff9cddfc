package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	Url      string `mapstructure:"url"`
	Schema   string `mapstructure:"schema"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Enabled reports whether a database is configured. Without one the server
// keeps its records in memory.
func (c Config) Enabled() bool {
	return c.Url != ""
}

func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1

	if cfg.Schema != "" {
		schema := pgx.Identifier{cfg.Schema}.Sanitize()
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema

		// Poolers such as PgBouncer may drop session settings, so set it again per connection.
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET search_path TO "+schema); err != nil {
				slog.Warn("Failed to set search_path on new connection", "schema", cfg.Schema, "error", err)
				return err
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL", "schema", cfg.Schema, "max_conns", poolConfig.MaxConns)
	return pool, nil
}
