// Package mock provides an in-memory Store for testing. It mirrors the
// conditional-update semantics of the Postgres implementation, including
// claim ordering and the sentinel errors for lost claims.
package mock

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/derekchu/mediaqueue/internal/store"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// MemoryStore is an in-memory store.Store. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	apiKeys map[uuid.UUID]*models.APIKey
	user    *models.User

	// Now is the clock used for claim eligibility and timestamps. Tests
	// may swap it to control time.
	Now func() time.Time
}

var _ store.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    map[uuid.UUID]*models.Job{},
		apiKeys: map[uuid.UUID]*models.APIKey{},
		user: &models.User{
			ID:        uuid.New(),
			Name:      "default",
			CreatedAt: time.Now().UTC(),
		},
		Now: func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *m.user
	return &u, nil
}

func (m *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := m.Now()
	k.LastUsedAt = &now
	return nil
}

func (m *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	m.apiKeys[key.ID] = &c
	return nil
}

func (m *MemoryStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range m.apiKeys {
		if k.UserID == userID {
			c := *k
			keys = append(keys, &c)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (m *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok || k.UserID != userID {
		return store.ErrNotFound
	}
	now := m.Now()
	k.DeletedAt = &now
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *j
	return &c, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*models.Job
	for _, j := range m.jobs {
		if filter.UserID != nil && j.UserID != *filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		if filter.MediaType != "" && j.MediaType != filter.MediaType {
			continue
		}
		c := *j
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var eligible []*models.Job
	for _, j := range m.jobs {
		switch j.Status {
		case models.JobStatusPending:
			eligible = append(eligible, j)
		case models.JobStatusRetrying:
			if j.NextAttemptAt != nil && !j.NextAttemptAt.After(now) {
				eligible = append(eligible, j)
			}
		}
	}
	if len(eligible) == 0 {
		return nil, store.ErrNoJobAvailable
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	j := eligible[0]
	j.Status = models.JobStatusProcessing
	j.WorkerID = &workerID
	j.StartedAt = &now
	j.NextAttemptAt = nil
	j.UpdatedAt = now

	c := *j
	return &c, nil
}

func (m *MemoryStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, workerID string, p store.ProgressParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		if models.TerminalStatus(j.Status) {
			return store.ErrJobTerminal
		}
		return store.ErrClaimLost
	}

	stage := p.Stage
	j.CurrentStage = &stage
	j.Progress = p.Progress
	if p.EstimatedCompletion != nil {
		j.EstimatedCompletion = p.EstimatedCompletion
	}
	if p.TotalStages != nil {
		j.TotalStages = p.TotalStages
	}
	if len(p.PartialResults) > 0 {
		j.ProcessingResults = mergeJSON(j.ProcessingResults, p.PartialResults)
	}
	j.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, id uuid.UUID, workerID string, p store.CompleteParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		if models.TerminalStatus(j.Status) {
			return store.ErrJobTerminal
		}
		return store.ErrClaimLost
	}

	j.Status = models.JobStatusCompleted
	j.Progress = 100
	if len(p.FinalResults) > 0 {
		j.ProcessingResults = mergeJSON(j.ProcessingResults, p.FinalResults)
	}
	j.PerformanceMetrics = p.PerformanceMetrics
	completedAt := p.CompletedAt
	j.CompletedAt = &completedAt
	d := p.DurationMS
	j.DurationMS = &d
	j.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryStore) MarkJobRetrying(ctx context.Context, id uuid.UUID, details *models.ErrorDetails, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing || j.RetryCount >= j.MaxRetries {
		if models.TerminalStatus(j.Status) {
			return store.ErrJobTerminal
		}
		return store.ErrClaimLost
	}

	j.Status = models.JobStatusRetrying
	j.RetryCount++
	j.ErrorDetails = details
	at := nextAttemptAt
	j.NextAttemptAt = &at
	j.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryStore) MarkJobFailed(ctx context.Context, id uuid.UUID, details *models.ErrorDetails, completedAt time.Time, durationMS *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing && j.Status != models.JobStatusRetrying {
		if models.TerminalStatus(j.Status) {
			return store.ErrJobTerminal
		}
		return store.ErrClaimLost
	}

	j.Status = models.JobStatusFailed
	j.ErrorDetails = details
	at := completedAt
	j.CompletedAt = &at
	j.DurationMS = durationMS
	j.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryStore) CancelJob(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if models.TerminalStatus(j.Status) {
		return store.ErrJobTerminal
	}

	now := m.Now()
	j.Status = models.JobStatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListStalledJobs(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stalled []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobStatusProcessing && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			c := *j
			stalled = append(stalled, &c)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].StartedAt.Before(*stalled[j].StartedAt) })
	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}
	return stalled, nil
}

func (m *MemoryStore) GetStatistics(ctx context.Context, userID *uuid.UUID) (*models.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.NewStatistics()
	var totalDuration int64
	for _, j := range m.jobs {
		if userID != nil && j.UserID != *userID {
			continue
		}
		stats.TotalJobs++
		stats.ByStatus[j.Status]++
		stats.ByJobType[j.JobType]++
		stats.ByMediaType[j.MediaType]++
		if j.DurationMS != nil {
			stats.JobsWithDuration++
			totalDuration += *j.DurationMS
		}
	}
	stats.TotalDurationMS = totalDuration
	if stats.JobsWithDuration > 0 {
		stats.AvgDurationMS = float64(totalDuration) / float64(stats.JobsWithDuration)
	}
	return stats, nil
}

// Job returns a copy of the stored job, for test assertions.
func (m *MemoryStore) Job(id uuid.UUID) (*models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	c := *j
	return &c, true
}

// mergeJSON shallow-merges b's keys over a, mirroring the jsonb || operator.
func mergeJSON(a, b []byte) []byte {
	merged := map[string]interface{}{}
	if len(a) > 0 {
		_ = json.Unmarshal(a, &merged)
	}
	patch := map[string]interface{}{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &patch)
	}
	for k, v := range patch {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return a
	}
	return out
}
