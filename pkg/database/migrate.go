package database

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
)

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// RunMigrations applies the *.up.sql files at the root of migrations that
// are not yet recorded in schema_migrations, in lexical order. Each file and
// its bookkeeping row commit in one transaction. Connection failures retry
// with the startup backoff, anything else aborts.
func RunMigrations(ctx context.Context, db DBTX, migrations fs.FS, logger *slog.Logger) error {
	files, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	slices.Sort(files)

	attempt := 0
	applied, err := backoff.Retry(ctx, func() (int, error) {
		attempt++
		n, err := migrate(ctx, db, migrations, files, logger)
		if err != nil && !isConnectionError(err) {
			return n, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(startupBackOff()),
		backoff.WithMaxTries(startupAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("migrations interrupted by connection error",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		if isConnectionError(err) {
			return fmt.Errorf("run migrations after %d attempts: %w", attempt, err)
		}
		return err
	}

	logger.Info("schema up to date",
		slog.Int("applied", applied),
		slog.Int("known", len(files)),
	)
	return nil
}

func migrate(ctx context.Context, db DBTX, migrations fs.FS, files []string, logger *slog.Logger) (int, error) {
	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations table: %w", err)
	}

	done, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, name := range files {
		if done[name] {
			continue
		}
		script, err := fs.ReadFile(migrations, name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}

		err = WithinTransaction(ctx, db, func(ctx context.Context, tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(script)); err != nil {
				return fmt.Errorf("execute migration %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied++
		logger.Info("migration applied", slog.String("version", name))
	}
	return applied, nil
}

func appliedVersions(ctx context.Context, db DBTX) (map[string]bool, error) {
	rows, err := db.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	done := make(map[string]bool, len(versions))
	for _, v := range versions {
		done[v] = true
	}
	return done, nil
}
