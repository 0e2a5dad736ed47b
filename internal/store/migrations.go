package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE transfer_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					event_id TEXT NOT NULL UNIQUE,
					source TEXT NOT NULL,
					target TEXT NOT NULL,
					artifact TEXT NOT NULL,
					descriptor TEXT NOT NULL,
					attempt INTEGER DEFAULT 1,
					outcome TEXT NOT NULL,
					message TEXT,
					bytes_per_second INTEGER DEFAULT 0,
					time DATETIME NOT NULL
				);
				CREATE INDEX idx_transfer_events_artifact ON transfer_events(artifact);

				CREATE TABLE mirror_stats (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					repository TEXT NOT NULL,
					location TEXT NOT NULL,
					rank INTEGER DEFAULT 0,
					bytes_per_second INTEGER DEFAULT -1,
					failure_count INTEGER DEFAULT 0,
					total_failure_count INTEGER DEFAULT 0,
					updated_at DATETIME NOT NULL,
					UNIQUE(repository, location)
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE failed_transfers (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					artifact TEXT NOT NULL,
					source TEXT,
					target TEXT NOT NULL,
					error TEXT,
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
