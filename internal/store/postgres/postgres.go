// Package postgres stores job records in PostgreSQL. It is the store for
// multi-controller deployments, where conditional updates on the shared
// table are the only coordination between controllers.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// SchemaSQL creates the jobs table.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    BIGINT PRIMARY KEY,
	status                TEXT NOT NULL,
	run_mode              TEXT NOT NULL DEFAULT '',
	description           TEXT NOT NULL DEFAULT '',
	executor_endpoint     TEXT NOT NULL DEFAULT '',
	executor_identifier   TEXT NOT NULL DEFAULT '',
	executor_destroyed_at TIMESTAMPTZ,
	started_at            TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_undestroyed ON jobs (status, updated_at)
	WHERE executor_identifier <> '' AND executor_destroyed_at IS NULL;
`

const selectColumns = `id, status, run_mode, description, executor_endpoint, executor_identifier,
executor_destroyed_at, started_at, created_at, updated_at`

const uniqueViolation = "23505"

// Store is a job.Repository on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, apperrors.Fatal("postgres.open", "dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.FatalCause("postgres.open", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperrors.Unreachable("postgres.open", err)
	}
	if _, err := pool.Exec(ctx, SchemaSQL); err != nil {
		pool.Close()
		return nil, apperrors.Internal("postgres.schema", err)
	}
	return New(pool), nil
}

// New wraps an existing pool. The schema must already exist.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.Unreachable("postgres.ping", err)
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
	_, err := s.pool.Exec(ctx, `
INSERT INTO jobs (id, status, run_mode, description, executor_endpoint, executor_identifier,
	executor_destroyed_at, started_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		int64(rec.ID), string(status), string(rec.RunMode), rec.Description, rec.ExecutorEndpoint,
		rec.ExecutorIdentifier, nullTime(rec.ExecutorDestroyedAt), nullTime(rec.StartedAt), created.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("job", rec.ID.String(), "job already exists")
		}
		return apperrors.Internal("postgres.create", err)
	}
	return nil
}

// Find returns the record with id.
func (s *Store) Find(ctx context.Context, id job.Identity) (*job.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = $1`, int64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id.String())
	}
	if err != nil {
		return nil, apperrors.Internal("postgres.find", err)
	}
	return rec, nil
}

// UpdateStatusConditionally sets next only if the current status is expected.
func (s *Store) UpdateStatusConditionally(ctx context.Context, id job.Identity, expected, next job.Status, description string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $1, description = COALESCE(NULLIF($2, ''), description), updated_at = $3
WHERE id = $4 AND status = $5`,
		string(next), description, s.now().UTC(), int64(id), string(expected))
	if err != nil {
		return 0, apperrors.Internal("postgres.updateStatus", err)
	}
	return tag.RowsAffected(), nil
}

// RecordExecutorIdentifier stores the encoded identifier and start time.
func (s *Store) RecordExecutorIdentifier(ctx context.Context, id job.Identity, identifier string, startedAt time.Time) error {
	return s.exec(ctx, "postgres.recordIdentifier", id,
		`UPDATE jobs SET executor_identifier = $1, started_at = $2, updated_at = $3 WHERE id = $4`,
		identifier, nullTime(startedAt), s.now().UTC(), int64(id))
}

// RecordExecutorEndpoint stores the executor control endpoint.
func (s *Store) RecordExecutorEndpoint(ctx context.Context, id job.Identity, endpoint string) error {
	return s.exec(ctx, "postgres.recordEndpoint", id,
		`UPDATE jobs SET executor_endpoint = $1, updated_at = $2 WHERE id = $3`,
		endpoint, s.now().UTC(), int64(id))
}

// MarkExecutorDestroyed sets the destroyed timestamp once.
func (s *Store) MarkExecutorDestroyed(ctx context.Context, id job.Identity, at time.Time) error {
	return s.exec(ctx, "postgres.markDestroyed", id,
		`UPDATE jobs SET executor_destroyed_at = COALESCE(executor_destroyed_at, $1), updated_at = $2 WHERE id = $3`,
		at.UTC(), s.now().UTC(), int64(id))
}

// ListUndestroyed returns up to limit records in one of statuses whose
// executor is recorded but not marked destroyed, oldest first.
func (s *Store) ListUndestroyed(ctx context.Context, statuses []job.Status, limit int) ([]job.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM jobs
WHERE executor_identifier <> '' AND executor_destroyed_at IS NULL AND status = ANY($1)
ORDER BY updated_at, id
LIMIT NULLIF($2::int, -1)`, names, limit)
	if err != nil {
		return nil, apperrors.Internal("postgres.listUndestroyed", err)
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Internal("postgres.listUndestroyed", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("postgres.listUndestroyed", err)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, op string, id job.Identity, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("job", id.String())
	}
	return nil
}

func scanRecord(row pgx.Row) (*job.Record, error) {
	var (
		rec                    job.Record
		id                     int64
		status, mode           string
		destroyedAt, startedAt *time.Time
	)
	if err := row.Scan(&id, &status, &mode, &rec.Description, &rec.ExecutorEndpoint, &rec.ExecutorIdentifier,
		&destroyedAt, &startedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.ID = job.Identity(id)
	rec.Status = job.Status(status)
	rec.RunMode = job.RunMode(mode)
	if destroyedAt != nil {
		rec.ExecutorDestroyedAt = *destroyedAt
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	return &rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ job.Repository = (*Store)(nil)
