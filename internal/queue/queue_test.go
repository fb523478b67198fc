package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"platform-api/internal/models"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

// ===========================================
// In-Memory Fakes
// ===========================================

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.AIJob
	dlq  []models.AIDLQEntry
}

var _ repository.JobRepositoryInterface = (*fakeJobRepo)(nil)

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[uuid.UUID]*models.AIJob)}
}

func (r *fakeJobRepo) CreateJob(ctx context.Context, job *models.AIJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	cp.CreatedAt = time.Now()
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeJobRepo) GetJob(ctx context.Context, id uuid.UUID) (*models.AIJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *fakeJobRepo) MarkJobActive(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != models.JobStatusQueued {
		return false, nil
	}
	job.Status = models.JobStatusActive
	job.StartedAt = &startedAt
	return true, nil
}

func (r *fakeJobRepo) MarkJobCompleted(ctx context.Context, id uuid.UUID, result datatypes.JSON, promptTokens, completionTokens, totalTokens int, durationMs int64, attemptsMade int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	job.Status = models.JobStatusCompleted
	job.Progress = 100
	job.Result = result
	job.AttemptsMade = attemptsMade
	job.PromptTokens = promptTokens
	job.CompletionTokens = completionTokens
	job.TotalTokens = totalTokens
	job.DurationMs = durationMs
	job.FinishedAt = &now
	return nil
}

func (r *fakeJobRepo) MarkJobFailed(ctx context.Context, id uuid.UUID, errorType, errorMessage string, attemptsMade int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	job.Status = models.JobStatusFailed
	job.ErrorType = &errorType
	job.ErrorMessage = &errorMessage
	job.AttemptsMade = attemptsMade
	job.FinishedAt = &now
	return nil
}

func (r *fakeJobRepo) RequeueJob(ctx context.Context, id uuid.UUID, errorType, errorMessage string, attemptsMade int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = models.JobStatusQueued
	job.ErrorType = &errorType
	job.ErrorMessage = &errorMessage
	job.AttemptsMade = attemptsMade
	return nil
}

func (r *fakeJobRepo) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Progress = progress
	}
	return nil
}

func (r *fakeJobRepo) MarkJobCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != models.JobStatusQueued {
		return false, nil
	}
	now := time.Now()
	job.Status = models.JobStatusCancelled
	job.FinishedAt = &now
	return true, nil
}

func (r *fakeJobRepo) ListJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.AIJob, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AIJob
	for _, job := range r.jobs {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeJobRepo) ListStalledQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error) {
	return nil, nil
}

func (r *fakeJobRepo) GetJobMetrics(ctx context.Context, since time.Time) (*models.JobMetrics, error) {
	return &models.JobMetrics{}, nil
}

func (r *fakeJobRepo) AggregateUsage(ctx context.Context, start, end time.Time, userID *uuid.UUID, provider string) ([]models.UsageRow, error) {
	return nil, nil
}

func (r *fakeJobRepo) CreateDLQEntry(ctx context.Context, entry *models.AIDLQEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	cp.CreatedAt = time.Now()
	r.dlq = append(r.dlq, cp)
	return nil
}

func (r *fakeJobRepo) GetDLQEntry(ctx context.Context, id uuid.UUID) (*models.AIDLQEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.dlq {
		if r.dlq[i].ID == id {
			cp := r.dlq[i]
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeJobRepo) ListDLQEntries(ctx context.Context, limit, offset int) ([]models.AIDLQEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AIDLQEntry, len(r.dlq))
	copy(out, r.dlq)
	return out, int64(len(out)), nil
}

func (r *fakeJobRepo) GetDLQStats(ctx context.Context) (*models.DLQStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &models.DLQStats{Total: int64(len(r.dlq))}, nil
}

func (r *fakeJobRepo) jobStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ""
	}
	return job.Status
}

func (r *fakeJobRepo) dlqLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dlq)
}

// fakeGenerator replays a scripted sequence of results; the last entry
// repeats once the script runs out.
type fakeGenerator struct {
	mu          sync.Mutex
	validateErr *services.ProxyError
	script      []genResult
	calls       int
}

type genResult struct {
	resp *services.AIResponse
	err  error
}

func (g *fakeGenerator) Validate(req *models.GenerateRequest) *services.ProxyError {
	return g.validateErr
}

func (g *fakeGenerator) Generate(ctx context.Context, req *models.GenerateRequest) (*services.AIResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	return g.script[i].resp, g.script[i].err
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func successResult(content string) genResult {
	return genResult{resp: &services.AIResponse{
		Content: content,
		Usage:   services.AIUsage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
	}}
}

func retryableFailure() genResult {
	return genResult{err: &services.ProxyError{
		Type: services.ErrTypeProvider, Message: "provider returned 502", Retryable: true,
	}}
}

func startedQueue(t *testing.T, repo *fakeJobRepo, gen *fakeGenerator, maxAttempts int) *JobQueue {
	t.Helper()
	q := NewJobQueue(repo, gen, nil, nil, 2, 16, maxAttempts)
	q.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		q.Stop()
		cancel()
	})
	return q
}

func validRequest() *models.GenerateRequest {
	return &models.GenerateRequest{
		Provider:   "openai",
		Model:      "gpt-4o",
		UserPrompt: "describe this product",
	}
}

// ===========================================
// Queue Tests
// ===========================================

func TestEnqueue_RunsJobToCompletion(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{successResult("a fine description")}}
	q := startedQueue(t, repo, gen, 3)

	job, err := q.Enqueue(context.Background(), uuid.New(), validRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	require.Eventually(t, func() bool {
		return repo.jobStatus(t, job.ID) == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	done, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, done.TotalTokens)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 1, done.AttemptsMade)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Equal(t, "a fine description", result["content"])
}

func TestEnqueue_ValidationRejectsBeforePersist(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{validateErr: &services.ProxyError{
		Type: services.ErrTypeValidation, Message: "model not allowed",
	}}
	q := startedQueue(t, repo, gen, 3)

	_, err := q.Enqueue(context.Background(), uuid.New(), validRequest(), nil)
	require.Error(t, err)

	perr, ok := err.(*services.ProxyError)
	require.True(t, ok)
	assert.Equal(t, services.ErrTypeValidation, perr.Type)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Empty(t, repo.jobs)
}

func TestRerun_LinksToOriginalJob(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{successResult("ok")}}
	q := startedQueue(t, repo, gen, 3)

	original, err := q.Enqueue(context.Background(), uuid.New(), validRequest(), nil)
	require.NoError(t, err)

	rerun, err := q.Rerun(context.Background(), original)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, rerun.ID)
	require.NotNil(t, rerun.RelatedJobID)
	assert.Equal(t, original.ID, *rerun.RelatedJobID)
	assert.Equal(t, original.UserPrompt, rerun.UserPrompt)
}

func TestCancel_QueuedJobOnly(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{successResult("ok")}}
	// Queue never started: the job stays queued in the dispatch buffer.
	q := NewJobQueue(repo, gen, nil, nil, 2, 16, 3)

	job, err := q.Enqueue(context.Background(), uuid.New(), validRequest(), nil)
	require.NoError(t, err)

	cancelled, err := q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, models.JobStatusCancelled, repo.jobStatus(t, job.ID))

	// Second cancel is a no-op.
	cancelled, err = q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRetryableFailure_ExhaustsBudgetIntoDLQ(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{retryableFailure()}}
	q := startedQueue(t, repo, gen, 2)

	job, err := q.Enqueue(context.Background(), uuid.New(), validRequest(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return repo.jobStatus(t, job.ID) == models.JobStatusFailed && repo.dlqLen() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, gen.callCount())

	failed, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, failed.AttemptsMade)
	require.NotNil(t, failed.ErrorType)
	assert.Equal(t, services.ErrTypeProvider, *failed.ErrorType)

	entries, _, err := repo.ListDLQEntries(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].JobID)
	assert.Equal(t, 2, entries[0].AttemptsMade)

	// The snapshot must round-trip back into a runnable job.
	var snapshot models.AIJob
	require.NoError(t, json.Unmarshal(entries[0].JobData, &snapshot))
	assert.Equal(t, job.UserPrompt, snapshot.UserPrompt)
}

func TestRetryableFailure_SecondAttemptSucceeds(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{retryableFailure(), successResult("recovered")}}
	q := startedQueue(t, repo, gen, 3)

	job, err := q.Enqueue(context.Background(), uuid.New(), validRequest(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return repo.jobStatus(t, job.ID) == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	done, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)

	// The successful attempt counts too, not just the failed ones.
	assert.Equal(t, 2, done.AttemptsMade)
	assert.Equal(t, 0, repo.dlqLen())
}

func TestNonRetryableFailure_NoRetry(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{{err: &services.ProxyError{
		Type: services.ErrTypeAuth, Message: "provider rejected credentials",
	}}}}
	q := startedQueue(t, repo, gen, 3)

	job, err := q.Enqueue(context.Background(), uuid.New(), validRequest(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return repo.jobStatus(t, job.ID) == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, 1, repo.dlqLen())
}

// ===========================================
// DLQ Retry Tests
// ===========================================

func TestRetryFromDLQ_CreatesLinkedJob(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{successResult("second time lucky")}}
	q := startedQueue(t, repo, gen, 3)

	origID := uuid.New()
	userID := uuid.New()
	snapshot, err := json.Marshal(&models.AIJob{
		ID: origID, UserID: userID,
		Provider: "openai", Model: "gpt-4o", UserPrompt: "describe this product",
	})
	require.NoError(t, err)

	entry := &models.AIDLQEntry{
		ID: uuid.New(), JobID: origID, UserID: userID,
		Provider: "openai", Model: "gpt-4o", JobData: snapshot,
	}

	retried, err := q.RetryFromDLQ(context.Background(), entry)
	require.NoError(t, err)
	require.NotNil(t, retried)
	require.NotNil(t, retried.RelatedJobID)
	assert.Equal(t, origID, *retried.RelatedJobID)
	assert.Equal(t, userID, retried.UserID)
}

func TestRetryFromDLQ_UnusableSnapshot(t *testing.T) {
	repo := newFakeJobRepo()
	gen := &fakeGenerator{script: []genResult{successResult("ok")}}
	q := startedQueue(t, repo, gen, 3)

	cases := []datatypes.JSON{
		nil,
		datatypes.JSON(`not json at all`),
		datatypes.JSON(`{"provider":"openai"}`),
	}
	for _, data := range cases {
		job, err := q.RetryFromDLQ(context.Background(), &models.AIDLQEntry{
			ID: uuid.New(), JobID: uuid.New(), UserID: uuid.New(), JobData: data,
		})
		assert.NoError(t, err)
		assert.Nil(t, job)
	}
}
