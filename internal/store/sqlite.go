package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BadgerOps/mirrorfed/internal/mirror"
	"github.com/BadgerOps/mirrorfed/internal/transfer"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ transfer.EventSink = (*Store)(nil)
	_ mirror.History     = (*Store)(nil)
)

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps ":memory:"
	// databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// TransferEvent Operations
// ============================================================================

// Publish implements transfer.EventSink. Successful transfers resolve any
// queued failure of the same artifact and target.
func (s *Store) Publish(ctx context.Context, ev transfer.MirrorEvent) {
	ctx = context.WithoutCancel(ctx)
	rec := &TransferEvent{
		EventID:        ev.ID.String(),
		Source:         ev.Source,
		Target:         ev.Target,
		Artifact:       ev.Descriptor.Key.String(),
		Descriptor:     ev.Descriptor.String(),
		Attempt:        ev.Attempt,
		Outcome:        ev.Status.Outcome().String(),
		Message:        ev.Status.Message,
		BytesPerSecond: ev.Status.BytesPerSecond,
		Time:           ev.Time,
	}
	if err := s.CreateTransferEvent(ctx, rec); err != nil {
		s.logger.Warn("failed to record transfer event", "artifact", rec.Artifact, "error", err)
		return
	}
	if ev.Status.IsOK() {
		if _, err := s.ResolveFailedTransfers(ctx, rec.Artifact, rec.Target); err != nil {
			s.logger.Warn("failed to resolve failed transfers", "artifact", rec.Artifact, "error", err)
		}
	}
}

// CreateTransferEvent inserts a new TransferEvent and sets its ID
func (s *Store) CreateTransferEvent(ctx context.Context, ev *TransferEvent) error {
	const query = `
		INSERT INTO transfer_events (
			event_id, source, target, artifact, descriptor, attempt,
			outcome, message, bytes_per_second, time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(
		ctx, query,
		ev.EventID, ev.Source, ev.Target, ev.Artifact, ev.Descriptor, ev.Attempt,
		ev.Outcome, ev.Message, ev.BytesPerSecond, ev.Time,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	ev.ID = id
	return nil
}

// ListTransferEvents retrieves TransferEvents, newest first, optionally
// filtered by artifact
func (s *Store) ListTransferEvents(ctx context.Context, artifact string, limit int) ([]TransferEvent, error) {
	query := `
		SELECT id, event_id, source, target, artifact, descriptor, attempt,
		       outcome, message, bytes_per_second, time
		FROM transfer_events
	`
	var args []any

	if artifact != "" {
		query += " WHERE artifact = ?"
		args = append(args, artifact)
	}

	query += " ORDER BY time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer events: %w", err)
	}
	defer rows.Close()

	var events []TransferEvent
	for rows.Next() {
		ev := TransferEvent{}
		err := rows.Scan(
			&ev.ID, &ev.EventID, &ev.Source, &ev.Target, &ev.Artifact, &ev.Descriptor,
			&ev.Attempt, &ev.Outcome, &ev.Message, &ev.BytesPerSecond, &ev.Time,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer events: %w", err)
	}

	return events, nil
}

// ============================================================================
// MirrorStat Operations
// ============================================================================

// SaveMirrorStats upserts the current state of every mirror of repository
func (s *Store) SaveMirrorStats(ctx context.Context, repository string, stats []mirror.Stat) error {
	const query = `
		INSERT INTO mirror_stats (
			repository, location, rank, bytes_per_second, failure_count,
			total_failure_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, location) DO UPDATE SET
			rank = excluded.rank,
			bytes_per_second = CASE WHEN excluded.bytes_per_second > 0
				THEN excluded.bytes_per_second ELSE mirror_stats.bytes_per_second END,
			failure_count = excluded.failure_count,
			total_failure_count = excluded.total_failure_count,
			updated_at = excluded.updated_at
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, st := range stats {
		if _, err := tx.ExecContext(
			ctx, query,
			repository, st.Location, st.Rank, st.BytesPerSecond, st.FailureCount,
			st.TotalFailureCount, now,
		); err != nil {
			return fmt.Errorf("failed to upsert mirror stat %s: %w", st.Location, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mirror stats: %w", err)
	}
	return nil
}

// ListMirrorStats retrieves the persisted mirrors of a repository, or of all
// repositories when repository is empty
func (s *Store) ListMirrorStats(ctx context.Context, repository string) ([]MirrorStat, error) {
	query := `
		SELECT id, repository, location, rank, bytes_per_second, failure_count,
		       total_failure_count, updated_at
		FROM mirror_stats
	`
	var args []any

	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}

	query += " ORDER BY repository, rank"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror stats: %w", err)
	}
	defer rows.Close()

	var stats []MirrorStat
	for rows.Next() {
		st := MirrorStat{}
		err := rows.Scan(
			&st.ID, &st.Repository, &st.Location, &st.Rank, &st.BytesPerSecond,
			&st.FailureCount, &st.TotalFailureCount, &st.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mirror stat: %w", err)
		}
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mirror stats: %w", err)
	}

	return stats, nil
}

// MirrorRates implements mirror.History. Only measured rates are returned.
func (s *Store) MirrorRates(ctx context.Context, repository string) (map[string]int64, error) {
	const query = `
		SELECT location, bytes_per_second FROM mirror_stats
		WHERE repository = ? AND bytes_per_second > 0
	`

	rows, err := s.db.QueryContext(ctx, query, repository)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror rates: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]int64)
	for rows.Next() {
		var loc string
		var bps int64
		if err := rows.Scan(&loc, &bps); err != nil {
			return nil, fmt.Errorf("failed to scan mirror rate: %w", err)
		}
		rates[loc] = bps
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mirror rates: %w", err)
	}

	return rates, nil
}

// ============================================================================
// FailedTransfer Operations (Dead Letter Queue)
// ============================================================================

// AddFailedTransfer records a failed transfer. An unresolved entry for the
// same artifact and target is updated instead of duplicated.
func (s *Store) AddFailedTransfer(ctx context.Context, rec *FailedTransfer) error {
	const updateQuery = `
		UPDATE failed_transfers
		SET error = ?, retry_count = retry_count + 1, last_failure = ?,
		    source = COALESCE(NULLIF(?, ''), source)
		WHERE artifact = ? AND target = ? AND resolved = 0
	`

	result, err := s.db.ExecContext(
		ctx, updateQuery,
		rec.Error, rec.LastFailure, rec.Source,
		rec.Artifact, rec.Target,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed transfer: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_transfers (
			artifact, source, target, error, retry_count,
			first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err = s.db.ExecContext(
		ctx, insertQuery,
		rec.Artifact, rec.Source, rec.Target, rec.Error, rec.RetryCount,
		rec.FirstFailure, rec.LastFailure, rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed transfer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedTransfers retrieves the unresolved failed transfers
func (s *Store) ListFailedTransfers(ctx context.Context) ([]FailedTransfer, error) {
	const query = `
		SELECT id, artifact, source, target, error, retry_count,
		       first_failure, last_failure, resolved
		FROM failed_transfers WHERE resolved = 0 ORDER BY last_failure DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed transfers: %w", err)
	}
	defer rows.Close()

	var records []FailedTransfer
	for rows.Next() {
		rec := FailedTransfer{}
		err := rows.Scan(
			&rec.ID, &rec.Artifact, &rec.Source, &rec.Target, &rec.Error,
			&rec.RetryCount, &rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed transfer: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed transfers: %w", err)
	}

	return records, nil
}

// ResolveFailedTransfers marks every unresolved failure of artifact into
// target as resolved and returns how many were
func (s *Store) ResolveFailedTransfers(ctx context.Context, artifact, target string) (int64, error) {
	const query = "UPDATE failed_transfers SET resolved = 1 WHERE artifact = ? AND target = ? AND resolved = 0"

	result, err := s.db.ExecContext(ctx, query, artifact, target)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve failed transfers: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}
