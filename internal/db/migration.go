package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate creates the schema if needed and applies pending migrations to it.
func Migrate(ctx context.Context, cfg Config) error {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	connConfig, err := pgx.ParseConfig(cfg.Url)
	if err != nil {
		return fmt.Errorf("unable to parse database config: %w", err)
	}
	// search_path is session state, so every pooled connection carries it from the start.
	connConfig.RuntimeParams["search_path"] = schema

	conn := stdlib.OpenDB(*connConfig)
	defer conn.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	ident := pgx.Identifier{schema}.Sanitize()
	if _, err := conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, conn, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("Applied migration", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
	}

	slog.Info("Database migrations completed", "schema", schema, "applied", len(results))
	return nil
}
