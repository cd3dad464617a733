package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/dormgate/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the schema for the profiles and route_permissions tables
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS profiles (
					id TEXT PRIMARY KEY,
					role TEXT,
					staff_subrole TEXT,
					first_name TEXT,
					last_name TEXT,
					email TEXT,
					phone TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create route_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS route_permissions (
					id BIGSERIAL PRIMARY KEY,
					route_path TEXT NOT NULL,
					role TEXT NOT NULL,
					allowed BOOLEAN NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_route_permissions_path_role ON route_permissions(route_path, role);
				CREATE INDEX IF NOT EXISTS idx_route_permissions_role ON route_permissions(role);
			`,
		},
	}
}

// RunMigrations applies pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dormgate_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM dormgate_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.WithField("version", migration.Version).Infof("Running migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO dormgate_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
