package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mediaqueue_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// defaultUserID returns the UUID of the seeded default user.
func defaultUserID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	user, err := s.GetDefaultUser(context.Background())
	require.NoError(t, err)
	return user.ID
}

func newPendingJob(userID uuid.UUID, priority int) *models.Job {
	contentID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:         uuid.New(),
		UserID:     userID,
		ContentID:  &contentID,
		JobType:    models.JobTypeVideoAnalysis,
		MediaType:  models.MediaTypeVideo,
		Priority:   priority,
		Status:     models.JobStatusPending,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// --- User tests ---

func TestGetDefaultUser(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	user, err := s.GetDefaultUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", user.Name)
	assert.NotEqual(t, uuid.Nil, user.ID)
}

// --- API key tests ---

func TestAPIKey_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "mq_abcd1",
		Scopes:    []string{models.ScopeSubmit, models.ScopeWorker},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "mq_abcd1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.ElementsMatch(t, key.Scopes, keys[0].Scopes)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))

	listed, err := s.ListAPIKeys(ctx, userID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotNil(t, listed[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, userID))

	keys, err = s.GetAPIKeyByPrefix(ctx, "mq_abcd1")
	require.NoError(t, err)
	assert.Empty(t, keys, "revoked keys must not resolve")
}

// --- Job creation tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	job := newPendingJob(userID, 7)
	job.JobConfig = json.RawMessage(`{"priority": 7}`)
	job.InputMetadata = json.RawMessage(`{"filename": "clip.mp4"}`)
	totalStages := 6
	job.TotalStages = &totalStages

	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 7, got.Priority)
	assert.Equal(t, job.ContentID, got.ContentID)
	assert.Nil(t, got.FileID)
	assert.JSONEq(t, `{"filename": "clip.mp4"}`, string(got.InputMetadata))
	assert.Equal(t, 6, *got.TotalStages)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.DurationMS)
}

func TestJob_GetMissing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_SingleSourceConstraint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	userID := defaultUserID(t, s)

	job := newPendingJob(userID, 5)
	fileID := uuid.New()
	job.FileID = &fileID // content_id already set

	err := s.CreateJob(context.Background(), job)
	assert.Error(t, err, "a job with both content_id and file_id must be rejected")
}

// --- Listing tests ---

func TestJob_ListFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	video := newPendingJob(userID, 5)
	require.NoError(t, s.CreateJob(ctx, video))

	image := newPendingJob(userID, 5)
	image.JobType = models.JobTypeImageAnalysis
	image.MediaType = models.MediaTypeImage
	require.NoError(t, s.CreateJob(ctx, image))

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{UserID: &userID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{UserID: &userID, JobType: models.JobTypeImageAnalysis})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, image.ID, jobs[0].ID)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{UserID: &userID, Status: models.JobStatusCompleted})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func TestJob_ListPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateJob(ctx, newPendingJob(userID, 5)))
	}

	page1, total, err := s.ListJobs(ctx, store.JobFilter{UserID: &userID, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page1, 2)

	page3, _, err := s.ListJobs(ctx, store.JobFilter{UserID: &userID, Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}

// --- Claim tests ---

func TestClaimNextJob_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.ClaimNextJob(context.Background(), "w/0")
	assert.ErrorIs(t, err, store.ErrNoJobAvailable)
}

func TestClaimNextJob_PriorityOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	low := newPendingJob(userID, 1)
	mid := newPendingJob(userID, 5)
	high := newPendingJob(userID, 10)
	for _, j := range []*models.Job{low, mid, high} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	first, err := s.ClaimNextJob(ctx, "w/0")
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)

	second, err := s.ClaimNextJob(ctx, "w/0")
	require.NoError(t, err)
	assert.Equal(t, mid.ID, second.ID)

	third, err := s.ClaimNextJob(ctx, "w/0")
	require.NoError(t, err)
	assert.Equal(t, low.ID, third.ID)
}

func TestClaimNextJob_FIFOWithinPriority(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	older := newPendingJob(userID, 5)
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	newer := newPendingJob(userID, 5)
	require.NoError(t, s.CreateJob(ctx, older))
	require.NoError(t, s.CreateJob(ctx, newer))

	first, err := s.ClaimNextJob(ctx, "w/0")
	require.NoError(t, err)
	assert.Equal(t, older.ID, first.ID, "equal priorities claim oldest first")
}

func TestClaimNextJob_SetsClaimFields(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	require.NoError(t, s.CreateJob(ctx, newPendingJob(userID, 5)))

	job, err := s.ClaimNextJob(ctx, "w/7")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "w/7", *job.WorkerID)
	assert.NotNil(t, job.StartedAt)
	assert.Nil(t, job.NextAttemptAt)
}

func TestClaimNextJob_Exclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	require.NoError(t, s.CreateJob(ctx, newPendingJob(userID, 5)))

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.ClaimNextJob(ctx, uuid.NewString())
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrNoJobAvailable) {
				t.Errorf("claimer %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one claimer must win")
}

func TestClaimNextJob_RetryingEligibility(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	require.NoError(t, s.CreateJob(ctx, newPendingJob(userID, 5)))
	job, err := s.ClaimNextJob(ctx, "w/0")
	require.NoError(t, err)

	// Backoff deadline in the future: not claimable.
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.MarkJobRetrying(ctx, job.ID,
		&models.ErrorDetails{Message: "flaky", Timestamp: time.Now().UTC(), RetryCount: 1}, future))

	_, err = s.ClaimNextJob(ctx, "w/1")
	assert.ErrorIs(t, err, store.ErrNoJobAvailable)

	// Move the deadline into the past; the job becomes claimable again.
	_, err = pool.Exec(ctx, `UPDATE jobs SET next_attempt_at = NOW() - INTERVAL '1 second' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	reclaimed, err := s.ClaimNextJob(ctx, "w/1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.RetryCount)
	assert.Equal(t, models.JobStatusProcessing, reclaimed.Status)
}

// --- Transition tests ---

func claimOne(t *testing.T, s store.Store, userID uuid.UUID, workerID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newPendingJob(userID, 5)))
	job, err := s.ClaimNextJob(ctx, workerID)
	require.NoError(t, err)
	return job
}

func TestUpdateJobProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	job := claimOne(t, s, defaultUserID(t, s), "w/0")

	total := 3
	err := s.UpdateJobProgress(ctx, job.ID, "w/0", store.ProgressParams{
		Stage:          "transcribe",
		Progress:       33,
		PartialResults: json.RawMessage(`{"transcribe": {"words": 120}}`),
		TotalStages:    &total,
	})
	require.NoError(t, err)

	err = s.UpdateJobProgress(ctx, job.ID, "w/0", store.ProgressParams{
		Stage:          "sentiment",
		Progress:       66,
		PartialResults: json.RawMessage(`{"sentiment": {"score": 0.8}}`),
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 66, got.Progress)
	assert.Equal(t, "sentiment", *got.CurrentStage)
	assert.Equal(t, 3, *got.TotalStages)

	var results map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(got.ProcessingResults, &results))
	assert.Contains(t, results, "transcribe", "partial results merge additively")
	assert.Contains(t, results, "sentiment")
}

func TestUpdateJobProgress_WrongWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	job := claimOne(t, s, defaultUserID(t, s), "w/0")

	err := s.UpdateJobProgress(context.Background(), job.ID, "impostor", store.ProgressParams{
		Stage: "ocr", Progress: 10,
	})
	assert.ErrorIs(t, err, store.ErrClaimLost)
}

func TestCompleteJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	job := claimOne(t, s, defaultUserID(t, s), "w/0")

	completedAt := time.Now().UTC().Truncate(time.Microsecond)
	err := s.CompleteJob(ctx, job.ID, "w/0", store.CompleteParams{
		FinalResults:       json.RawMessage(`{"summarize": {"summary": "a cat video"}}`),
		PerformanceMetrics: json.RawMessage(`{"total_ms": 1500}`),
		CompletedAt:        completedAt,
		DurationMS:         1500,
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.DurationMS)
	assert.EqualValues(t, 1500, *got.DurationMS)
	assert.WithinDuration(t, completedAt, *got.CompletedAt, time.Millisecond)

	// Completion is terminal: a second attempt reports the conflict.
	err = s.CompleteJob(ctx, job.ID, "w/0", store.CompleteParams{CompletedAt: completedAt})
	assert.ErrorIs(t, err, store.ErrJobTerminal)
}

func TestMarkJobRetrying_RespectsBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	job := claimOne(t, s, defaultUserID(t, s), "w/0")

	// Exhaust the budget directly.
	_, err := pool.Exec(ctx, `UPDATE jobs SET retry_count = max_retries WHERE id = $1`, job.ID)
	require.NoError(t, err)

	err = s.MarkJobRetrying(ctx, job.ID,
		&models.ErrorDetails{Message: "flaky", Timestamp: time.Now().UTC()}, time.Now().UTC())
	assert.Error(t, err, "retry past max_retries must be refused")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, got.MaxRetries, got.RetryCount, "retry_count never exceeds max_retries")
}

func TestMarkJobFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	job := claimOne(t, s, defaultUserID(t, s), "w/0")

	completedAt := time.Now().UTC().Truncate(time.Microsecond)
	duration := int64(420)
	details := &models.ErrorDetails{
		Message:   "unsupported codec",
		Timestamp: completedAt,
		Terminal:  true,
		Stage:     "transcribe",
	}
	require.NoError(t, s.MarkJobFailed(ctx, job.ID, details, completedAt, &duration))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetails)
	assert.Equal(t, "unsupported codec", got.ErrorDetails.Message)
	assert.True(t, got.ErrorDetails.Terminal)
	assert.EqualValues(t, 420, *got.DurationMS)
}

func TestCancelJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	t.Run("pending job cancels without duration", func(t *testing.T) {
		job := newPendingJob(userID, 5)
		require.NoError(t, s.CreateJob(ctx, job))
		require.NoError(t, s.CancelJob(ctx, job.ID))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.DurationMS, "a job that never ran has no duration")
	})

	t.Run("processing job cancels", func(t *testing.T) {
		job := claimOne(t, s, userID, "w/0")
		require.NoError(t, s.CancelJob(ctx, job.ID))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
	})

	t.Run("terminal job refuses cancellation", func(t *testing.T) {
		job := claimOne(t, s, userID, "w/0")
		require.NoError(t, s.CompleteJob(ctx, job.ID, "w/0", store.CompleteParams{
			CompletedAt: time.Now().UTC(),
		}))

		err := s.CancelJob(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrJobTerminal)
	})

	t.Run("missing job", func(t *testing.T) {
		err := s.CancelJob(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// --- Reaper support ---

func TestListStalledJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	stalled := claimOne(t, s, userID, "crashed/0")
	fresh := claimOne(t, s, userID, "alive/0")

	_, err := pool.Exec(ctx,
		`UPDATE jobs SET started_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, stalled.ID)
	require.NoError(t, err)

	jobs, err := s.ListStalledJobs(ctx, time.Now().UTC().Add(-30*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stalled.ID, jobs[0].ID)
	assert.NotEqual(t, fresh.ID, jobs[0].ID)
}

// --- Statistics ---

func TestGetStatistics(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := defaultUserID(t, s)

	t.Run("empty", func(t *testing.T) {
		stats, err := s.GetStatistics(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalJobs)
		assert.Zero(t, stats.AvgDurationMS)
		assert.Empty(t, stats.ByStatus)
	})

	t.Run("mixed outcomes", func(t *testing.T) {
		require.NoError(t, s.CreateJob(ctx, newPendingJob(userID, 5)))

		done := claimOne(t, s, userID, "w/0")
		require.NoError(t, s.CompleteJob(ctx, done.ID, "w/0", store.CompleteParams{
			CompletedAt: time.Now().UTC(),
			DurationMS:  1000,
		}))

		failed := claimOne(t, s, userID, "w/0")
		duration := int64(3000)
		require.NoError(t, s.MarkJobFailed(ctx, failed.ID,
			&models.ErrorDetails{Message: "boom", Timestamp: time.Now().UTC()},
			time.Now().UTC(), &duration))

		stats, err := s.GetStatistics(ctx, &userID)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalJobs)
		assert.Equal(t, 1, stats.ByStatus[models.JobStatusPending])
		assert.Equal(t, 1, stats.ByStatus[models.JobStatusCompleted])
		assert.Equal(t, 1, stats.ByStatus[models.JobStatusFailed])
		assert.Equal(t, 3, stats.ByJobType[models.JobTypeVideoAnalysis])
		assert.Equal(t, 2, stats.JobsWithDuration)
		assert.EqualValues(t, 4000, stats.TotalDurationMS)
		assert.InDelta(t, 2000, stats.AvgDurationMS, 0.1)
	})
}
