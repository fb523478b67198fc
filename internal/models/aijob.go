package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AI job statuses
const (
	JobStatusQueued    = "queued"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// AIJob is one queued generation request. Jobs are owned by the submitting
// user; other users get 403 on access, never the job contents.
type AIJob struct {
	ID           uuid.UUID      `json:"jobId" gorm:"type:uuid;primary_key"`
	RequestID    string         `json:"requestId" gorm:"index;not null"`
	UserID       uuid.UUID      `json:"userId" gorm:"type:uuid;index;not null"`
	Provider     string         `json:"provider" gorm:"not null;index"`
	Model        string         `json:"model" gorm:"not null;index"`
	SystemPrompt string         `json:"systemPrompt,omitempty" gorm:"type:text"`
	UserPrompt   string         `json:"userPrompt" gorm:"type:text;not null"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `json:"maxTokens,omitempty"`
	TopP         *float64       `json:"topP,omitempty"`
	TopK         *int           `json:"topK,omitempty"`
	Status       string         `json:"status" gorm:"not null;default:'queued';index"`
	Progress     int            `json:"progress" gorm:"default:0"`
	AttemptsMade int            `json:"attemptsMade" gorm:"default:0"`
	Result       datatypes.JSON `json:"result,omitempty" gorm:"type:jsonb"`
	ErrorType    *string        `json:"errorType,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`

	// Link back to the job this one was re-run or DLQ-retried from.
	RelatedJobID *uuid.UUID `json:"relatedJobId,omitempty" gorm:"type:uuid;index"`

	PromptTokens     int   `json:"promptTokens" gorm:"default:0"`
	CompletionTokens int   `json:"completionTokens" gorm:"default:0"`
	TotalTokens      int   `json:"totalTokens" gorm:"default:0"`
	DurationMs       int64 `json:"durationMs" gorm:"default:0"`

	CreatedAt  time.Time  `json:"createdAt" gorm:"index"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (AIJob) TableName() string {
	return "ai_jobs"
}

// IsTerminal reports whether the job reached a final status.
func (j *AIJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// AIDLQEntry is an append-only snapshot of a job that exhausted its retry
// budget. Entries are never mutated; retrying creates a fresh job that points
// back at the original via RelatedJobID.
type AIDLQEntry struct {
	ID            uuid.UUID      `json:"dlqJobId" gorm:"type:uuid;primary_key"`
	JobID         uuid.UUID      `json:"jobId" gorm:"type:uuid;index;not null"`
	UserID        uuid.UUID      `json:"userId" gorm:"type:uuid;index;not null"`
	Provider      string         `json:"provider" gorm:"not null;index"`
	Model         string         `json:"model" gorm:"not null"`
	JobData       datatypes.JSON `json:"jobData" gorm:"type:jsonb;not null"`
	FailureReason string         `json:"failureReason" gorm:"type:text"`
	ErrorType     string         `json:"errorType" gorm:"index"`
	AttemptsMade  int            `json:"attemptsMade"`
	CreatedAt     time.Time      `json:"createdAt" gorm:"index"`
}

func (AIDLQEntry) TableName() string {
	return "ai_dlq_entries"
}

// UsageRow is one aggregated bucket of job usage, grouped by provider, model,
// user and calendar day.
type UsageRow struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	UserID           uuid.UUID `json:"userId"`
	Day              time.Time `json:"day"`
	Jobs             int64     `json:"jobs"`
	Completed        int64     `json:"completed"`
	Failed           int64     `json:"failed"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
}
