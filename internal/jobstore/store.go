package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

// ErrJobNotFound is returned when a job id resolves to no row.
var ErrJobNotFound = errors.New("job not found")

// sqlStore implements core.JobStore on postgres or sqlite3. The database
// is the single source of truth for job state; claiming is a conditional
// UPDATE so two workers polling the same queue can never both win a job.
type sqlStore struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.JobStore, error) {
	log = log.WithComponent("jobstore")

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{db: db, cfg: cfg, logger: log}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Job store initialized", "driver", cfg.Driver)
	return store, nil
}

// DB exposes the underlying pool so the inventory store can share it.
func DB(store core.JobStore) (*sqlx.DB, bool) {
	s, ok := store.(*sqlStore)
	if !ok {
		return nil, false
	}
	return s.db, true
}

func (s *sqlStore) migrate() error {
	if s.cfg.Driver == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS discovery_jobs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		config TEXT,
		logs TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		not_before TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON discovery_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_org ON discovery_jobs(organization_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON discovery_jobs(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

type jobRow struct {
	ID              uuid.UUID      `db:"id"`
	OrganizationID  uuid.UUID      `db:"organization_id"`
	Type            string         `db:"job_type"`
	Target          string         `db:"target"`
	Status          string         `db:"status"`
	StartedAt       *time.Time     `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
	Config          sql.NullString `db:"config"`
	Logs            string         `db:"logs"`
	CancelRequested bool           `db:"cancel_requested"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const jobColumns = `id, organization_id, job_type, target, status, started_at, completed_at,
        config, logs, cancel_requested, created_at, updated_at`

func (r *jobRow) toJob() (*types.DiscoveryJob, error) {
	job := &types.DiscoveryJob{
		ID:              r.ID,
		OrganizationID:  r.OrganizationID,
		Type:            types.JobType(r.Type),
		Target:          r.Target,
		Status:          types.JobStatus(r.Status),
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Logs:            r.Logs,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Config.Valid && r.Config.String != "" {
		if err := json.Unmarshal([]byte(r.Config.String), &job.Config); err != nil {
			return nil, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	return job, nil
}

func (s *sqlStore) CreateJob(ctx context.Context, job *types.DiscoveryJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	var cfg sql.NullString
	if len(job.Config) > 0 {
		raw, err := json.Marshal(job.Config)
		if err != nil {
			return fmt.Errorf("marshal job config: %w", err)
		}
		cfg = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO discovery_jobs (id, organization_id, job_type, target, status, config, logs,
		                             cancel_requested, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', FALSE, ?, ?)`),
		job.ID, job.OrganizationID, string(job.Type), job.Target, string(job.Status),
		cfg, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	s.logger.WithContext(ctx).Infow("Job created",
		"job_id", job.ID.String(),
		"job_type", string(job.Type),
		"target", job.Target,
	)
	return nil
}

func (s *sqlStore) GetJob(ctx context.Context, jobID uuid.UUID) (*types.DiscoveryJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT `+jobColumns+` FROM discovery_jobs WHERE id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob()
}

func (s *sqlStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*types.DiscoveryJob, error) {
	query := `SELECT ` + jobColumns + ` FROM discovery_jobs WHERE 1=1`
	var args []interface{}

	if filter.OrganizationID != nil {
		query += ` AND organization_id = ?`
		args = append(args, *filter.OrganizationID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, string(filter.JobType))
	}
	if filter.Target != "" {
		query += ` AND target = ?`
		args = append(args, filter.Target)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*types.DiscoveryJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// TryClaim is the compare-and-set at the heart of work distribution: the
// transition happens only if the job is still in the expected state, and
// exactly one concurrent caller observes true.
func (s *sqlStore) TryClaim(ctx context.Context, jobID uuid.UUID, from, to types.JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE discovery_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), time.Now().UTC(), jobID, string(from))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows affected: %w", err)
	}
	return affected == 1, nil
}

// NextPending returns the oldest claimable pending job, or nil when the
// backlog is empty. Jobs parked for retry backoff are skipped until their
// not_before passes.
func (s *sqlStore) NextPending(ctx context.Context) (*types.DiscoveryJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT `+jobColumns+` FROM discovery_jobs
		 WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
		 ORDER BY created_at LIMIT 1`),
		string(types.JobStatusPending), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return row.toJob()
}

// MarkRunning stamps started_at exactly once. A retried job keeps the
// timestamp of its first run.
func (s *sqlStore) MarkRunning(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE discovery_jobs SET started_at = ?, updated_at = ?
		 WHERE id = ? AND started_at IS NULL`),
		startedAt.UTC(), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkCompleted(ctx context.Context, jobID uuid.UUID, completedAt time.Time, logs string) error {
	return s.finish(ctx, jobID, types.JobStatusCompleted, completedAt, logs)
}

func (s *sqlStore) MarkFailed(ctx context.Context, jobID uuid.UUID, completedAt time.Time, reason string) error {
	return s.finish(ctx, jobID, types.JobStatusFailed, completedAt, reason)
}

func (s *sqlStore) MarkCancelled(ctx context.Context, jobID uuid.UUID, completedAt time.Time) error {
	return s.finish(ctx, jobID, types.JobStatusCancelled, completedAt, "")
}

// finish moves a job to a terminal state, stamping completed_at exactly
// once and appending to the job log. Finishing an already-terminal job is
// a no-op so duplicate finalization cannot flip states.
func (s *sqlStore) finish(ctx context.Context, jobID uuid.UUID, status types.JobStatus, completedAt time.Time, logs string) error {
	logLine := ""
	if logs != "" {
		logLine = strings.TrimRight(logs, "\n") + "\n"
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE discovery_jobs
		 SET status = ?, completed_at = ?, logs = logs || ?, updated_at = ?
		 WHERE id = ? AND completed_at IS NULL
		   AND status NOT IN (?, ?, ?)`),
		string(status), completedAt.UTC(), logLine, time.Now().UTC(), jobID,
		string(types.JobStatusCompleted), string(types.JobStatusFailed), string(types.JobStatusCancelled))
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		s.logger.WithContext(ctx).Debugw("Job already finished, skipping transition",
			"job_id", jobID.String(), "requested_status", string(status))
	}
	return nil
}

// RequestCancel cancels a pending job outright and flags a running one for
// cooperative shutdown. It returns the status observed at decision time.
func (s *sqlStore) RequestCancel(ctx context.Context, jobID uuid.UUID) (types.JobStatus, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.GetContext(ctx, &status, s.rebind(
		`SELECT status FROM discovery_jobs WHERE id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select job for cancel: %w", err)
	}

	now := time.Now().UTC()
	switch types.JobStatus(status) {
	case types.JobStatusPending:
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE discovery_jobs SET status = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`),
			string(types.JobStatusCancelled), now, now, jobID, string(types.JobStatusPending))
		if err != nil {
			return "", fmt.Errorf("cancel pending job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit cancel: %w", err)
		}
		return types.JobStatusCancelled, nil
	case types.JobStatusRunning:
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE discovery_jobs SET cancel_requested = TRUE, updated_at = ? WHERE id = ?`),
			now, jobID)
		if err != nil {
			return "", fmt.Errorf("flag running job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit cancel: %w", err)
		}
		return types.JobStatusRunning, nil
	default:
		// Terminal states stay terminal.
		return types.JobStatus(status), nil
	}
}

func (s *sqlStore) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested, s.rebind(
		`SELECT cancel_requested FROM discovery_jobs WHERE id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return requested, nil
}

// Requeue hands an interrupted running job back to pending. The not_before
// fence keeps workers from picking it up again immediately. Terminal jobs
// are never moved; the WHERE clause only matches running.
func (s *sqlStore) Requeue(ctx context.Context, jobID uuid.UUID, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE discovery_jobs SET status = ?, not_before = ?, updated_at = ?
		 WHERE id = ? AND status = ?`),
		string(types.JobStatusPending), notBefore.UTC(), time.Now().UTC(),
		jobID, string(types.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("requeue job %s: not in running state", jobID)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) rebind(query string) string {
	if s.cfg.Driver == "postgres" {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return strings.TrimSpace(query)
}
