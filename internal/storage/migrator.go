package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/gsq/assets"
)

const migrationsDir = "migrations"

// runMigrations applies embedded SQL files not yet recorded in schema_migrations.
func runMigrations(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	pending, err := pendingMigrations(db)
	if err != nil {
		return err
	}

	for _, file := range pending {
		log.Debug().Str("file", file).Msg("Applying database migration")
		if err := applyMigration(db, file); err != nil {
			return err
		}
	}

	return nil
}

// pendingMigrations lists embedded .sql files in name order, skipping applied ones.
func pendingMigrations(db *sql.DB) ([]string, error) {
	entries, err := assets.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied int
		err := db.QueryRow("SELECT 1 FROM schema_migrations WHERE version = ?", entry.Name()).Scan(&applied)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	return files, nil
}

func applyMigration(db *sql.DB, file string) error {
	content, err := assets.ReadFile(path.Join(migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}

	return tx.Commit()
}
