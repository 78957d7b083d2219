package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pds/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const jobColumns = `uuid, server_id, configuration, status, result, exit_code, created_at, started_at, ended_at, updated_at`

// JobRepository stores jobs in a sqlite database file.
type JobRepository struct {
	db       *sql.DB
	serverID string
	tracer   trace.Tracer
}

var _ domain.JobRepository = (*JobRepository)(nil)

// Open opens or creates the database at path.
func Open(path, serverID string) (*JobRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // concurrent writers get SQLITE_BUSY
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS pds_jobs (
  uuid TEXT PRIMARY KEY,
  server_id TEXT NOT NULL,
  configuration TEXT NOT NULL,
  status TEXT NOT NULL,
  result TEXT,
  exit_code INTEGER,
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  ended_at INTEGER,
  updated_at INTEGER NOT NULL
);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS pds_jobs_next ON pds_jobs (server_id, status, created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &JobRepository{db: db, serverID: serverID, tracer: otel.Tracer("pds-sqlite-repo")}, nil
}

func (r *JobRepository) Close() error { return r.db.Close() }

func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "repo.sqlite.Save",
		trace.WithAttributes(attribute.String("job.uuid", job.UUID.String())))
	defer span.End()

	if err := job.Validate(); err != nil {
		return err
	}
	var exitCode sql.NullInt64
	if job.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*job.ExitCode), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pds_jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(uuid) DO UPDATE SET
             server_id = excluded.server_id,
             configuration = excluded.configuration,
             status = excluded.status,
             result = excluded.result,
             exit_code = excluded.exit_code,
             started_at = excluded.started_at,
             ended_at = excluded.ended_at,
             updated_at = excluded.updated_at`,
		job.UUID.String(),
		job.ServerID,
		job.Configuration,
		string(job.Status),
		job.Result,
		exitCode,
		job.Created.UnixMilli(),
		nullMillis(job.Started),
		nullMillis(job.Ended),
		job.Updated.UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save job")
		return fmt.Errorf("failed to save job %s: %w", job.UUID, err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, jobUUID uuid.UUID) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sqlite.Get",
		trace.WithAttributes(attribute.String("job.uuid", jobUUID.String())))
	defer span.End()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pds_jobs WHERE uuid = ?`, jobUUID.String())
	job, err := scanJob(row)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
	}
	return job, err
}

func (r *JobRepository) FindNextExecutable(ctx context.Context) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.sqlite.FindNextExecutable")
	defer span.End()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pds_jobs
       WHERE server_id = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		r.serverID, string(domain.JobStatusCreated),
	)
	job, err := scanJob(row)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find next job")
	}
	return job, err
}

// Delete removes a job. Missing jobs are ignored.
func (r *JobRepository) Delete(ctx context.Context, jobUUID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pds_jobs WHERE uuid = ?`, jobUUID.String())
	return err
}

func scanJob(row *sql.Row) (*domain.Job, error) {
	var (
		id, serverID, configuration, status string
		result                              sql.NullString
		exitCode                            sql.NullInt64
		createdMs, updatedMs                int64
		startedMs, endedMs                  sql.NullInt64
	)
	if err := row.Scan(&id, &serverID, &configuration, &status, &result, &exitCode, &createdMs, &startedMs, &endedMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	jobUUID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("stored job has invalid uuid %q: %w", id, err)
	}
	job := &domain.Job{
		UUID:          jobUUID,
		ServerID:      serverID,
		Configuration: configuration,
		Status:        domain.JobStatus(status),
		Result:        result.String,
		Created:       time.UnixMilli(createdMs),
		Updated:       time.UnixMilli(updatedMs),
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if startedMs.Valid {
		job.Started = time.UnixMilli(startedMs.Int64)
	}
	if endedMs.Valid {
		job.Ended = time.UnixMilli(endedMs.Int64)
	}
	return job, nil
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
