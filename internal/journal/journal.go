// Package journal persists one row per upload attempt in an embedded SQLite
// database. The journal is an audit trail for idempotent re-runs: it answers
// "what did the last batch do to this resource" after the interactive
// session is gone. An empty journal path disables it entirely.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/healthterms/termpush/internal/uploader"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is a SQLite-backed implementation of uploader.Journal. Every run
// gets a fresh run id so attempts from separate invocations stay
// distinguishable.
type Journal struct {
	db     *sql.DB
	runID  string
	insert *sql.Stmt
	logger *slog.Logger
}

// Open opens (or creates) the journal database at path, applies pending
// schema migrations, and starts a new run. Use ":memory:" in tests.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: setting WAL mode: %w", err)
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	insert, err := db.PrepareContext(context.Background(), `
		INSERT INTO attempts (run_id, file, kind, resource_id, attempt, method, url, status, outcome, manual, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: preparing insert: %w", err)
	}

	j := &Journal{
		db:     db,
		runID:  uuid.NewString(),
		insert: insert,
		logger: logger,
	}

	logger.Info("upload journal ready",
		slog.String("path", path),
		slog.String("run_id", j.runID),
	)

	return j, nil
}

// RunID returns this run's identifier.
func (j *Journal) RunID() string {
	return j.runID
}

// Record implements uploader.Journal.
func (j *Journal) Record(ctx context.Context, rec uploader.AttemptRecord) error {
	_, err := j.insert.ExecContext(ctx,
		j.runID,
		rec.File,
		rec.Kind,
		rec.ResourceID,
		rec.Attempt,
		rec.Method,
		rec.URL,
		rec.Status,
		rec.Outcome,
		rec.Manual,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: recording attempt: %w", err)
	}

	return nil
}

// Attempts returns all recorded attempts for the given run in insertion
// order. Pass RunID() for the current run.
func (j *Journal) Attempts(ctx context.Context, runID string) ([]uploader.AttemptRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT file, kind, resource_id, attempt, method, url, status, outcome, manual
		FROM attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("journal: querying attempts: %w", err)
	}
	defer rows.Close()

	var records []uploader.AttemptRecord

	for rows.Next() {
		var rec uploader.AttemptRecord
		if err := rows.Scan(&rec.File, &rec.Kind, &rec.ResourceID, &rec.Attempt,
			&rec.Method, &rec.URL, &rec.Status, &rec.Outcome, &rec.Manual); err != nil {
			return nil, fmt.Errorf("journal: scanning attempt: %w", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating attempts: %w", err)
	}

	return records, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	j.insert.Close()

	return j.db.Close()
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	// Strip the "migrations/" prefix so goose sees files at the FS root.
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("journal: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("journal: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}
