package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"platform-api/internal/events"
	"platform-api/internal/models"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

// Generator is the provider-facing side of the queue, satisfied by the AI
// proxy service.
type Generator interface {
	Validate(req *models.GenerateRequest) *services.ProxyError
	Generate(ctx context.Context, req *models.GenerateRequest) (*services.AIResponse, error)
}

// JobQueue runs async generation jobs: persisted in postgres, dispatched
// through an in-process channel to a worker pool. Retryable failures go back
// to the queue until the attempt budget runs out; then the job snapshot is
// appended to the dead-letter table.
type JobQueue struct {
	repo        repository.JobRepositoryInterface
	generator   Generator
	hub         *Hub
	publisher   *events.Publisher
	logger      *logrus.Entry
	dispatch    chan uuid.UUID
	workers     int
	maxAttempts int
	retryDelay  time.Duration

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
	now    func() time.Time
}

// NewJobQueue creates a new job queue
func NewJobQueue(repo repository.JobRepositoryInterface, generator Generator, publisher *events.Publisher, logger *logrus.Logger, workers, buffer, maxAttempts int) *JobQueue {
	if logger == nil {
		logger = logrus.New()
	}
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &JobQueue{
		repo:        repo,
		generator:   generator,
		hub:         NewHub(),
		publisher:   publisher,
		logger:      logger.WithField("component", "job-queue"),
		dispatch:    make(chan uuid.UUID, buffer),
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  2 * time.Second,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Hub exposes the per-job event hub for SSE handlers
func (q *JobQueue) Hub() *Hub {
	return q.hub
}

// Start launches the worker pool and the stalled-job scanner
func (q *JobQueue) Start(ctx context.Context) {
	q.logger.WithField("workers", q.workers).Info("Job queue started")

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	q.wg.Add(1)
	go q.scanStalled(ctx)
}

// Stop drains the workers
func (q *JobQueue) Stop() {
	q.once.Do(func() { close(q.stopCh) })
	q.wg.Wait()
	q.logger.Info("Job queue stopped")
}

// Enqueue validates and persists a new job and hands it to the worker pool.
// relatedJobID links re-runs and DLQ retries back to their origin.
func (q *JobQueue) Enqueue(ctx context.Context, userID uuid.UUID, req *models.GenerateRequest, relatedJobID *uuid.UUID) (*models.AIJob, error) {
	if perr := q.generator.Validate(req); perr != nil {
		return nil, perr
	}

	job := &models.AIJob{
		ID:           uuid.New(),
		RequestID:    uuid.New().String(),
		UserID:       userID,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		TopP:         req.TopP,
		TopK:         req.TopK,
		Status:       models.JobStatusQueued,
		RelatedJobID: relatedJobID,
	}

	if err := q.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	// Non-blocking: a full channel leaves the job queued for the stalled
	// scanner to pick up.
	select {
	case q.dispatch <- job.ID:
	default:
		q.logger.WithField("jobId", job.ID).Warn("Dispatch channel full, job deferred to scanner")
	}

	return job, nil
}

// Rerun creates a fresh job with the same payload as an existing one,
// linked via relatedJobId
func (q *JobQueue) Rerun(ctx context.Context, job *models.AIJob) (*models.AIJob, error) {
	req := &models.GenerateRequest{
		Provider:     job.Provider,
		Model:        job.Model,
		SystemPrompt: job.SystemPrompt,
		UserPrompt:   job.UserPrompt,
		Temperature:  job.Temperature,
		MaxTokens:    job.MaxTokens,
		TopP:         job.TopP,
		TopK:         job.TopK,
	}
	related := job.ID
	return q.Enqueue(ctx, job.UserID, req, &related)
}

// RetryFromDLQ builds a fresh job out of a dead-letter snapshot. A nil job
// with nil error means the snapshot was unusable and nothing was retried.
func (q *JobQueue) RetryFromDLQ(ctx context.Context, entry *models.AIDLQEntry) (*models.AIJob, error) {
	var snapshot models.AIJob
	if len(entry.JobData) == 0 || json.Unmarshal(entry.JobData, &snapshot) != nil {
		return nil, nil
	}
	if snapshot.UserPrompt == "" {
		return nil, nil
	}

	req := &models.GenerateRequest{
		Provider:     snapshot.Provider,
		Model:        snapshot.Model,
		SystemPrompt: snapshot.SystemPrompt,
		UserPrompt:   snapshot.UserPrompt,
		Temperature:  snapshot.Temperature,
		MaxTokens:    snapshot.MaxTokens,
		TopP:         snapshot.TopP,
		TopK:         snapshot.TopK,
	}
	related := entry.JobID
	return q.Enqueue(ctx, entry.UserID, req, &related)
}

// Cancel stops a job that has not started yet. Best effort: an active job
// runs to completion.
func (q *JobQueue) Cancel(ctx context.Context, jobID uuid.UUID) (bool, error) {
	cancelled, err := q.repo.MarkJobCancelled(ctx, jobID)
	if err != nil {
		return false, err
	}
	if cancelled {
		q.hub.Publish(jobID, Event{Type: EventCancelled, Status: models.JobStatusCancelled})
	}
	return cancelled, nil
}

func (q *JobQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case jobID := <-q.dispatch:
			q.process(ctx, jobID)
		}
	}
}

// scanStalled periodically requeues jobs that are queued in the database but
// lost their place in the dispatch channel, e.g. after a restart
func (q *JobQueue) scanStalled(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := q.repo.ListStalledQueuedJobs(ctx, q.now().Add(-time.Minute), 100)
			if err != nil {
				q.logger.WithError(err).Error("Failed to scan stalled jobs")
				continue
			}
			for _, id := range ids {
				select {
				case q.dispatch <- id:
				default:
				}
			}
		}
	}
}

// process runs one attempt of one job.
func (q *JobQueue) process(ctx context.Context, jobID uuid.UUID) {
	job, err := q.repo.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			q.logger.WithError(err).WithField("jobId", jobID).Error("Failed to load job")
		}
		return
	}

	claimed, err := q.repo.MarkJobActive(ctx, jobID, q.now())
	if err != nil {
		q.logger.WithError(err).WithField("jobId", jobID).Error("Failed to claim job")
		return
	}
	if !claimed {
		// Cancelled, or another worker got there first.
		return
	}

	attempt := job.AttemptsMade + 1
	q.setProgress(ctx, jobID, 10, attempt)

	req := &models.GenerateRequest{
		Provider:     job.Provider,
		Model:        job.Model,
		SystemPrompt: job.SystemPrompt,
		UserPrompt:   job.UserPrompt,
		Temperature:  job.Temperature,
		MaxTokens:    job.MaxTokens,
		TopP:         job.TopP,
		TopK:         job.TopK,
	}

	q.setProgress(ctx, jobID, 30, attempt)
	start := q.now()
	resp, genErr := q.generator.Generate(ctx, req)
	if genErr == nil {
		q.complete(ctx, job, resp, start, attempt)
		return
	}

	var perr *services.ProxyError
	if !errors.As(genErr, &perr) {
		perr = &services.ProxyError{Type: services.ErrTypeProvider, Message: genErr.Error()}
	}

	if perr.Retryable && attempt < q.maxAttempts {
		q.requeue(ctx, job, perr, attempt)
		return
	}

	q.fail(ctx, job, perr, attempt)
}

func (q *JobQueue) complete(ctx context.Context, job *models.AIJob, resp *services.AIResponse, start time.Time, attempt int) {
	result := map[string]interface{}{
		"content": resp.Content,
		"usage":   resp.Usage,
	}
	if extracted, ok := services.ExtractJSON(resp.Content); ok {
		result["json"] = extracted
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		q.logger.WithError(err).WithField("jobId", job.ID).Error("Failed to marshal job result")
		resultJSON = []byte(`{}`)
	}

	durationMs := q.now().Sub(start).Milliseconds()
	if err := q.repo.MarkJobCompleted(ctx, job.ID, datatypes.JSON(resultJSON),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens, durationMs, attempt); err != nil {
		q.logger.WithError(err).WithField("jobId", job.ID).Error("Failed to mark job completed")
		return
	}

	q.hub.Publish(job.ID, Event{
		Type:     EventCompleted,
		Status:   models.JobStatusCompleted,
		Progress: 100,
		Result:   resultJSON,
	})

	q.logger.WithFields(logrus.Fields{
		"jobId":      job.ID,
		"provider":   job.Provider,
		"model":      job.Model,
		"durationMs": durationMs,
	}).Info("Job completed")
}

func (q *JobQueue) requeue(ctx context.Context, job *models.AIJob, perr *services.ProxyError, attempt int) {
	if err := q.repo.RequeueJob(ctx, job.ID, perr.Type, perr.Message, attempt); err != nil {
		q.logger.WithError(err).WithField("jobId", job.ID).Error("Failed to requeue job")
		return
	}

	q.hub.Publish(job.ID, Event{
		Type:    EventProgress,
		Status:  models.JobStatusQueued,
		Attempt: attempt,
		Error:   &EventError{Type: perr.Type, Message: perr.Message, Retryable: true},
	})

	q.logger.WithFields(logrus.Fields{
		"jobId":   job.ID,
		"attempt": attempt,
		"error":   perr.Type,
	}).Warn("Job attempt failed, requeued")

	jobID := job.ID
	time.AfterFunc(q.retryDelay, func() {
		select {
		case q.dispatch <- jobID:
		case <-q.stopCh:
		}
	})
}

// fail marks the job failed and appends the dead-letter snapshot.
func (q *JobQueue) fail(ctx context.Context, job *models.AIJob, perr *services.ProxyError, attempt int) {
	if err := q.repo.MarkJobFailed(ctx, job.ID, perr.Type, perr.Message, attempt); err != nil {
		q.logger.WithError(err).WithField("jobId", job.ID).Error("Failed to mark job failed")
		return
	}

	job.AttemptsMade = attempt
	snapshot, err := json.Marshal(job)
	if err != nil {
		snapshot = []byte(fmt.Sprintf(`{"jobId":%q}`, job.ID))
	}

	entry := &models.AIDLQEntry{
		ID:            uuid.New(),
		JobID:         job.ID,
		UserID:        job.UserID,
		Provider:      job.Provider,
		Model:         job.Model,
		JobData:       snapshot,
		FailureReason: perr.Message,
		ErrorType:     perr.Type,
		AttemptsMade:  attempt,
	}
	if err := q.repo.CreateDLQEntry(ctx, entry); err != nil {
		q.logger.WithError(err).WithField("jobId", job.ID).Error("Failed to write DLQ entry")
	} else if q.publisher != nil {
		q.publisher.PublishJobDeadLettered(ctx, entry)
	}

	q.hub.Publish(job.ID, Event{
		Type:   EventFailed,
		Status: models.JobStatusFailed,
		Error:  &EventError{Type: perr.Type, Message: perr.Message, Retryable: perr.Retryable},
	})

	q.logger.WithFields(logrus.Fields{
		"jobId":    job.ID,
		"attempts": attempt,
		"error":    perr.Type,
	}).Error("Job failed, dead-lettered")
}

func (q *JobQueue) setProgress(ctx context.Context, jobID uuid.UUID, progress, attempt int) {
	if err := q.repo.UpdateJobProgress(ctx, jobID, progress); err != nil {
		q.logger.WithError(err).WithField("jobId", jobID).Debug("Failed to persist job progress")
	}
	q.hub.Publish(jobID, Event{
		Type:     EventProgress,
		Status:   models.JobStatusActive,
		Progress: progress,
		Attempt:  attempt,
	})
}
