package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/derekchu/mediaqueue/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM users WHERE name = 'default' LIMIT 1`,
	).Scan(&u.ID, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default user: %w", err)
	}
	return &u, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, user_id, content_id, file_id, job_type, media_type,
	priority, status, retry_count, max_retries, progress, current_stage,
	total_stages, job_config, input_metadata, processing_results,
	performance_metrics, error_details, started_at, completed_at,
	estimated_completion, duration_ms, next_attempt_at, worker_id,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.UserID, &j.ContentID, &j.FileID, &j.JobType, &j.MediaType,
		&j.Priority, &j.Status, &j.RetryCount, &j.MaxRetries, &j.Progress, &j.CurrentStage,
		&j.TotalStages, &j.JobConfig, &j.InputMetadata, &j.ProcessingResults,
		&j.PerformanceMetrics, &j.ErrorDetails, &j.StartedAt, &j.CompletedAt,
		&j.EstimatedCompletion, &j.DurationMS, &j.NextAttemptAt, &j.WorkerID,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, content_id, file_id, job_type, media_type,
		                   priority, status, retry_count, max_retries, progress,
		                   total_stages, job_config, input_metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.UserID, job.ContentID, job.FileID, job.JobType, job.MediaType,
		job.Priority, job.Status, job.RetryCount, job.MaxRetries, job.Progress,
		job.TotalStages, job.JobConfig, job.InputMetadata, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, *filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.JobType != "" {
		conditions = append(conditions, fmt.Sprintf("job_type = $%d", argIdx))
		args = append(args, filter.JobType)
		argIdx++
	}
	if filter.MediaType != "" {
		conditions = append(conditions, fmt.Sprintf("media_type = $%d", argIdx))
		args = append(args, filter.MediaType)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ClaimNextJob reserves the next eligible job in one statement. The inner
// SELECT uses FOR UPDATE SKIP LOCKED so concurrent claimers never block on
// or double-claim the same row.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		    status = 'processing',
		    worker_id = $1,
		    started_at = NOW(),
		    next_attempt_at = NULL,
		    updated_at = NOW()
		 WHERE id = (
		    SELECT id FROM jobs
		    WHERE status = 'pending'
		       OR (status = 'retrying' AND next_attempt_at <= NOW())
		    ORDER BY priority DESC, created_at ASC
		    FOR UPDATE SKIP LOCKED
		    LIMIT 1
		 )
		 RETURNING `+jobColumns, workerID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, workerID string, p ProgressParams) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		    current_stage = $3,
		    progress = $4,
		    processing_results = COALESCE(processing_results, '{}'::jsonb) || COALESCE($5::jsonb, '{}'::jsonb),
		    estimated_completion = COALESCE($6, estimated_completion),
		    total_stages = COALESCE($7, total_stages),
		    updated_at = NOW()
		 WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
		id, workerID, p.Stage, p.Progress, p.PartialResults, p.EstimatedCompletion, p.TotalStages)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLossReason(ctx, id)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, workerID string, p CompleteParams) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		    status = 'completed',
		    progress = 100,
		    processing_results = COALESCE(processing_results, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
		    performance_metrics = $4,
		    completed_at = $5,
		    duration_ms = $6,
		    updated_at = NOW()
		 WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
		id, workerID, p.FinalResults, p.PerformanceMetrics, p.CompletedAt, p.DurationMS)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLossReason(ctx, id)
	}
	return nil
}

func (s *PostgresStore) MarkJobRetrying(ctx context.Context, id uuid.UUID, details *models.ErrorDetails, nextAttemptAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		    status = 'retrying',
		    retry_count = retry_count + 1,
		    error_details = $2,
		    next_attempt_at = $3,
		    updated_at = NOW()
		 WHERE id = $1 AND status = 'processing' AND retry_count < max_retries`,
		id, details, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark job retrying: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLossReason(ctx, id)
	}
	return nil
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, id uuid.UUID, details *models.ErrorDetails, completedAt time.Time, durationMS *int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		    status = 'failed',
		    error_details = $2,
		    completed_at = $3,
		    duration_ms = $4,
		    updated_at = NOW()
		 WHERE id = $1 AND status IN ('processing', 'retrying')`,
		id, details, completedAt, durationMS)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimLossReason(ctx, id)
	}
	return nil
}

// CancelJob is the administrative terminal transition. It never records a
// duration: cancellation is not a measured outcome.
func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		    status = 'cancelled',
		    completed_at = NOW(),
		    updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing', 'retrying')`,
		id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}
		return ErrJobTerminal
	}
	return nil
}

func (s *PostgresStore) ListStalledJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'processing' AND started_at < $1
		 ORDER BY started_at ASC
		 LIMIT $2`, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Statistics ---

func (s *PostgresStore) GetStatistics(ctx context.Context, userID *uuid.UUID) (*models.Statistics, error) {
	stats := models.NewStatistics()

	where := ""
	args := []any{}
	if userID != nil {
		where = " WHERE user_id = $1"
		args = append(args, *userID)
	}

	for column, dest := range map[string]map[string]int{
		"status":     stats.ByStatus,
		"job_type":   stats.ByJobType,
		"media_type": stats.ByMediaType,
	} {
		rows, err := s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s, COUNT(*) FROM jobs%s GROUP BY %s`, column, where, column),
			args...)
		if err != nil {
			return nil, fmt.Errorf("count jobs by %s: %w", column, err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", column, err)
			}
			dest[key] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate %s counts: %w", column, err)
		}
	}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(duration_ms),
		        COALESCE(SUM(duration_ms), 0),
		        COALESCE(AVG(duration_ms), 0)
		 FROM jobs`+where, args...,
	).Scan(&stats.TotalJobs, &stats.JobsWithDuration, &stats.TotalDurationMS, &stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("aggregate job durations: %w", err)
	}

	return stats, nil
}

// claimLossReason maps a zero-row conditional update to a sentinel: the job
// is either gone, already terminal, or held in a different state.
func (s *PostgresStore) claimLossReason(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if models.TerminalStatus(status) {
		return fmt.Errorf("%w: %s", ErrJobTerminal, status)
	}
	return fmt.Errorf("%w: status %s", ErrClaimLost, status)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Ensure PostgresStore satisfies the Store interface.
var _ Store = (*PostgresStore)(nil)
