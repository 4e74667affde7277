package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// Migration is one SQL schema file.
type Migration struct {
	Name string
	SQL  string
}

// Beginner is a DBTX which can open transactions. *pgxpool.Pool and pgxmock pools satisfy it.
type Beginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// ApplyMigrations runs every migration not yet recorded in schema_migrations, each in its own
// transaction. It returns the number of migrations applied.
func ApplyMigrations(ctx context.Context, db Beginner, migrations []Migration, logger *slog.Logger) (int, error) {
	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		var done bool
		err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.Name).Scan(&done)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if done {
			logger.DebugContext(ctx, "Migration already applied", "migration", m.Name)
			continue
		}

		if err := applyOne(ctx, db, m); err != nil {
			return applied, err
		}
		applied++
		logger.InfoContext(ctx, "Applied migration", "migration", m.Name)
	}
	return applied, nil
}

func applyOne(ctx context.Context, db Beginner, m Migration) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.Name, err)
	}

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("run migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return nil
}
