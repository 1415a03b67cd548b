// Package sqlite stores job records in an embedded SQLite database for
// single-node controllers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    INTEGER PRIMARY KEY,
	status                TEXT NOT NULL,
	run_mode              TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	executor_endpoint     TEXT NOT NULL DEFAULT '',
	executor_identifier   TEXT NOT NULL DEFAULT '',
	executor_destroyed_at TEXT,
	started_at            TEXT,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_undestroyed ON jobs (status, updated_at)
	WHERE executor_identifier <> '' AND executor_destroyed_at IS NULL;
`

const selectColumns = `id, status, run_mode, description, executor_endpoint, executor_identifier,
executor_destroyed_at, started_at, created_at, updated_at`

// Store is a job.Repository on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, apperrors.Fatal("sqlite.open", "database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apperrors.FatalCause("sqlite.open", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, apperrors.FatalCause("sqlite.open", err)
	}
	// One writer keeps conditional updates serialised.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, apperrors.FatalCause("sqlite.schema", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Unreachable("sqlite.ping", err)
	}
	return nil
}

// Create inserts a record.
func (s *Store) Create(ctx context.Context, rec *job.Record) error {
	status := rec.Status
	if status == "" {
		status = job.StatusPending
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, status, run_mode, description, executor_endpoint, executor_identifier,
	executor_destroyed_at, started_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.ID), string(status), string(rec.RunMode), rec.Description, rec.ExecutorEndpoint,
		rec.ExecutorIdentifier, nullTime(rec.ExecutorDestroyedAt), nullTime(rec.StartedAt),
		formatTime(created), formatTime(created))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.Conflict("job", rec.ID.String(), "job already exists")
		}
		return apperrors.Internal("sqlite.create", err)
	}
	return nil
}

// Find returns the record with id.
func (s *Store) Find(ctx context.Context, id job.Identity) (*job.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, int64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id.String())
	}
	if err != nil {
		return nil, apperrors.Internal("sqlite.find", err)
	}
	return rec, nil
}

// UpdateStatusConditionally sets next only if the current status is expected.
func (s *Store) UpdateStatusConditionally(ctx context.Context, id job.Identity, expected, next job.Status, description string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, description = CASE WHEN ? = '' THEN description ELSE ? END, updated_at = ?
WHERE id = ? AND status = ?`,
		string(next), description, description, formatTime(s.now()), int64(id), string(expected))
	if err != nil {
		return 0, apperrors.Internal("sqlite.updateStatus", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("sqlite.updateStatus", err)
	}
	return rows, nil
}

// RecordExecutorIdentifier stores the encoded identifier and start time.
func (s *Store) RecordExecutorIdentifier(ctx context.Context, id job.Identity, identifier string, startedAt time.Time) error {
	return s.exec(ctx, "sqlite.recordIdentifier", id,
		`UPDATE jobs SET executor_identifier = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		identifier, nullTime(startedAt), formatTime(s.now()), int64(id))
}

// RecordExecutorEndpoint stores the executor control endpoint.
func (s *Store) RecordExecutorEndpoint(ctx context.Context, id job.Identity, endpoint string) error {
	return s.exec(ctx, "sqlite.recordEndpoint", id,
		`UPDATE jobs SET executor_endpoint = ?, updated_at = ? WHERE id = ?`,
		endpoint, formatTime(s.now()), int64(id))
}

// MarkExecutorDestroyed sets the destroyed timestamp once.
func (s *Store) MarkExecutorDestroyed(ctx context.Context, id job.Identity, at time.Time) error {
	return s.exec(ctx, "sqlite.markDestroyed", id,
		`UPDATE jobs SET executor_destroyed_at = COALESCE(executor_destroyed_at, ?), updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(s.now()), int64(id))
}

// ListUndestroyed returns up to limit records in one of statuses whose
// executor is recorded but not marked destroyed, oldest first.
func (s *Store) ListUndestroyed(ctx context.Context, statuses []job.Status, limit int) ([]job.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + selectColumns + ` FROM jobs
WHERE executor_identifier <> '' AND executor_destroyed_at IS NULL
AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)
ORDER BY updated_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("sqlite.listUndestroyed", err)
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Internal("sqlite.listUndestroyed", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("sqlite.listUndestroyed", err)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, op string, id job.Identity, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal(op, err)
	}
	if rows == 0 {
		return apperrors.NotFound("job", id.String())
	}
	return nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*job.Record, error) {
	var (
		rec                    job.Record
		id                     int64
		status, mode           string
		destroyedAt, startedAt sql.NullString
		createdAt, updatedAt   string
	)
	if err := scanner.Scan(&id, &status, &mode, &rec.Description, &rec.ExecutorEndpoint, &rec.ExecutorIdentifier,
		&destroyedAt, &startedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.ID = job.Identity(id)
	rec.Status = job.Status(status)
	rec.RunMode = job.RunMode(mode)

	var err error
	if rec.ExecutorDestroyedAt, err = parseNullTime(destroyedAt); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// timeLayout is fixed width so that text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

var _ job.Repository = (*Store)(nil)
