package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"platform-api/internal/models"
)

// JobRepositoryInterface defines AI job, dead-letter and usage persistence.
type JobRepositoryInterface interface {
	CreateJob(ctx context.Context, job *models.AIJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.AIJob, error)
	MarkJobActive(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	MarkJobCompleted(ctx context.Context, id uuid.UUID, result datatypes.JSON, promptTokens, completionTokens, totalTokens int, durationMs int64, attemptsMade int) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, errorType, errorMessage string, attemptsMade int) error
	RequeueJob(ctx context.Context, id uuid.UUID, errorType, errorMessage string, attemptsMade int) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error
	MarkJobCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	ListJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.AIJob, int64, error)
	ListStalledQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error)
	GetJobMetrics(ctx context.Context, since time.Time) (*models.JobMetrics, error)
	AggregateUsage(ctx context.Context, start, end time.Time, userID *uuid.UUID, provider string) ([]models.UsageRow, error)

	CreateDLQEntry(ctx context.Context, entry *models.AIDLQEntry) error
	GetDLQEntry(ctx context.Context, id uuid.UUID) (*models.AIDLQEntry, error)
	ListDLQEntries(ctx context.Context, limit, offset int) ([]models.AIDLQEntry, int64, error)
	GetDLQStats(ctx context.Context) (*models.DLQStats, error)
}

// JobRepository implements JobRepositoryInterface on gorm/postgres.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

var _ JobRepositoryInterface = (*JobRepository)(nil)

// CreateJob persists a new queued job
func (r *JobRepository) CreateJob(ctx context.Context, job *models.AIJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*models.AIJob, error) {
	var job models.AIJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkJobActive claims a queued job for processing. The status guard keeps a
// cancelled or already-claimed job from being picked up twice; false means
// the claim lost.
func (r *JobRepository) MarkJobActive(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.AIJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.JobStatusActive,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkJobCompleted stores the normalized result and usage counters. The
// attempt count covers the successful attempt too, not just earlier failures.
func (r *JobRepository) MarkJobCompleted(ctx context.Context, id uuid.UUID, result datatypes.JSON, promptTokens, completionTokens, totalTokens int, durationMs int64, attemptsMade int) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.AIJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            models.JobStatusCompleted,
			"progress":          100,
			"result":            result,
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      totalTokens,
			"duration_ms":       durationMs,
			"attempts_made":     attemptsMade,
			"finished_at":       now,
		}).Error
}

// MarkJobFailed records a terminal failure
func (r *JobRepository) MarkJobFailed(ctx context.Context, id uuid.UUID, errorType, errorMessage string, attemptsMade int) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.AIJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.JobStatusFailed,
			"error_type":    errorType,
			"error_message": errorMessage,
			"attempts_made": attemptsMade,
			"finished_at":   now,
		}).Error
}

// RequeueJob puts a job back in the queue after a retryable attempt failure
func (r *JobRepository) RequeueJob(ctx context.Context, id uuid.UUID, errorType, errorMessage string, attemptsMade int) error {
	return r.db.WithContext(ctx).Model(&models.AIJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.JobStatusQueued,
			"error_type":    errorType,
			"error_message": errorMessage,
			"attempts_made": attemptsMade,
			"started_at":    nil,
		}).Error
}

// UpdateJobProgress updates the progress percentage of an active job
func (r *JobRepository) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return r.db.WithContext(ctx).Model(&models.AIJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusActive).
		Update("progress", progress).Error
}

// MarkJobCancelled cancels a job that has not started. False means the job
// already left the queue and cancellation is best-effort denied.
func (r *JobRepository) MarkJobCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.AIJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":      models.JobStatusCancelled,
			"finished_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListJobsByUser returns a user's jobs, newest first
func (r *JobRepository) ListJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.AIJob, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AIJob{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []models.AIJob
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, total, err
}

// ListStalledQueuedJobs finds queued jobs that missed the in-process dispatch
// channel, typically after a restart
func (r *JobRepository) ListStalledQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.AIJob{}).
		Where("status = ? AND updated_at < ?", models.JobStatusQueued, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// GetJobMetrics aggregates queue health counters since the given instant
func (r *JobRepository) GetJobMetrics(ctx context.Context, since time.Time) (*models.JobMetrics, error) {
	metrics := &models.JobMetrics{}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	err := r.db.WithContext(ctx).Model(&models.AIJob{}).
		Select("status, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	for _, c := range counts {
		metrics.TotalJobs += c.Count
		switch c.Status {
		case models.JobStatusCompleted:
			metrics.Completed = c.Count
		case models.JobStatusFailed:
			metrics.Failed = c.Count
		case models.JobStatusCancelled:
			metrics.Cancelled = c.Count
		case models.JobStatusQueued:
			metrics.QueueDepth = c.Count
		case models.JobStatusActive:
			metrics.ActiveJobs = c.Count
		}
	}

	if decided := metrics.Completed + metrics.Failed; decided > 0 {
		metrics.SuccessRate = float64(metrics.Completed) / float64(decided)
	}

	type durability struct {
		AvgDuration  float64
		TotalRetries int64
	}
	var d durability
	err = r.db.WithContext(ctx).Model(&models.AIJob{}).
		Select("COALESCE(AVG(duration_ms), 0) as avg_duration, COALESCE(SUM(attempts_made), 0) as total_retries").
		Where("created_at >= ? AND status = ?", since, models.JobStatusCompleted).
		Scan(&d).Error
	if err != nil {
		return nil, err
	}
	metrics.AvgDurationMs = d.AvgDuration
	metrics.TotalRetries = d.TotalRetries

	if err := r.db.WithContext(ctx).Model(&models.AIDLQEntry{}).Count(&metrics.DLQDepth).Error; err != nil {
		return nil, err
	}

	return metrics, nil
}

// AggregateUsage groups finished jobs into daily usage buckets
func (r *JobRepository) AggregateUsage(ctx context.Context, start, end time.Time, userID *uuid.UUID, provider string) ([]models.UsageRow, error) {
	query := r.db.WithContext(ctx).Model(&models.AIJob{}).
		Select(`provider, model, user_id,
			DATE_TRUNC('day', created_at) as day,
			COUNT(*) as jobs,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(total_tokens), 0) as total_tokens`).
		Where("created_at >= ? AND created_at < ?", start, end).
		Where("status IN ?", []string{models.JobStatusCompleted, models.JobStatusFailed}).
		Group("provider, model, user_id, DATE_TRUNC('day', created_at)").
		Order("day ASC")

	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}

	var rows []models.UsageRow
	err := query.Scan(&rows).Error
	return rows, err
}

// CreateDLQEntry appends a dead-letter snapshot
func (r *JobRepository) CreateDLQEntry(ctx context.Context, entry *models.AIDLQEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// GetDLQEntry retrieves a dead-letter entry by ID
func (r *JobRepository) GetDLQEntry(ctx context.Context, id uuid.UUID) (*models.AIDLQEntry, error) {
	var entry models.AIDLQEntry
	err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListDLQEntries returns dead-letter entries, newest first
func (r *JobRepository) ListDLQEntries(ctx context.Context, limit, offset int) ([]models.AIDLQEntry, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.AIDLQEntry{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.AIDLQEntry
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	return entries, total, err
}

// GetDLQStats summarizes dead-letter contents by provider and error type
func (r *JobRepository) GetDLQStats(ctx context.Context) (*models.DLQStats, error) {
	stats := &models.DLQStats{
		ByProvider:  make(map[string]int64),
		ByErrorType: make(map[string]int64),
	}

	if err := r.db.WithContext(ctx).Model(&models.AIDLQEntry{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	type bucket struct {
		Key   string
		Count int64
	}
	var byProvider []bucket
	err := r.db.WithContext(ctx).Model(&models.AIDLQEntry{}).
		Select("provider as key, COUNT(*) as count").
		Group("provider").
		Scan(&byProvider).Error
	if err != nil {
		return nil, err
	}
	for _, b := range byProvider {
		stats.ByProvider[b.Key] = b.Count
	}

	var byError []bucket
	err = r.db.WithContext(ctx).Model(&models.AIDLQEntry{}).
		Select("error_type as key, COUNT(*) as count").
		Group("error_type").
		Scan(&byError).Error
	if err != nil {
		return nil, err
	}
	for _, b := range byError {
		stats.ByErrorType[b.Key] = b.Count
	}

	if stats.Total > 0 {
		var oldest models.AIDLQEntry
		if err := r.db.WithContext(ctx).Order("created_at ASC").First(&oldest).Error; err == nil {
			stats.OldestAt = &oldest.CreatedAt
		}
	}

	return stats, nil
}
