package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// COMMON ENVELOPES
// ============================================================================

// Error holds the machine-readable error payload.
type Error struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable *bool                  `json:"retryable,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the standard error envelope for all endpoints.
type ErrorResponse struct {
	Success bool  `json:"success"`
	Error   Error `json:"error"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Success: false, Error: Error{Code: code, Message: message}}
}

// SuccessResponse wraps a payload for endpoints without a dedicated DTO.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// PaginatedResponse is the standard list envelope.
type PaginatedResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Total   int64       `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

// ============================================================================
// AUTH DTOs
// ============================================================================

// RegisterRequest creates a new pending account with its business details and
// initial role in one transaction.
type RegisterRequest struct {
	Email           string  `json:"email" binding:"required,email"`
	Password        string  `json:"password" binding:"required,min=8"`
	PasswordConfirm string  `json:"passwordConfirm" binding:"required"`
	Name            string  `json:"name" binding:"required"`
	Phone           *string `json:"phone,omitempty"`
	Role            string  `json:"role" binding:"required"`
	BusinessName    string  `json:"businessName" binding:"required"`
	BusinessNumber  string  `json:"businessNumber" binding:"required"`
	BusinessPhone   string  `json:"businessPhone,omitempty"`
	BusinessAddress string  `json:"businessAddress,omitempty"`
}

// LoginRequest authenticates by email/password. IncludeTokens opts into
// receiving tokens in the response body in addition to cookies.
type LoginRequest struct {
	Email         string `json:"email" binding:"required,email"`
	Password      string `json:"password" binding:"required"`
	IncludeTokens bool   `json:"includeTokens,omitempty"`
}

// RefreshRequest carries the refresh token when cookies cannot be used.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// TokenPair is the issued access/refresh token set.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// LoginResponse is returned by login and refresh. Tokens is nil when delivery
// happened via cookies only.
type LoginResponse struct {
	Success bool         `json:"success"`
	User    *UserProfile `json:"user"`
	Tokens  *TokenPair   `json:"tokens,omitempty"`
}

// UserProfile is the public view of a user, with roles and permissions
// computed at response time.
type UserProfile struct {
	ID           uuid.UUID     `json:"id"`
	Email        string        `json:"email"`
	Name         string        `json:"name"`
	Phone        *string       `json:"phone,omitempty"`
	Status       string        `json:"status"`
	Roles        []string      `json:"roles"`
	Permissions  []string      `json:"permissions"`
	BusinessInfo *BusinessInfo `json:"businessInfo,omitempty"`
	LastLoginAt  *time.Time    `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// ============================================================================
// ROLE APPLICATION DTOs
// ============================================================================

// ApplyRoleRequest opens a pending role application.
type ApplyRoleRequest struct {
	Role           string  `json:"role" binding:"required"`
	BusinessName   string  `json:"businessName" binding:"required"`
	BusinessNumber string  `json:"businessNumber" binding:"required"`
	Note           *string `json:"note,omitempty"`
}

// RejectApplicationRequest rejects a pending application with a mandatory
// reason of 10 to 500 characters.
type RejectApplicationRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ============================================================================
// AI DTOs
// ============================================================================

// GenerateRequest is the generation payload for both the synchronous proxy
// and the async queue.
type GenerateRequest struct {
	Provider     string   `json:"provider" binding:"required"`
	Model        string   `json:"model" binding:"required"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	UserPrompt   string   `json:"userPrompt" binding:"required"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	TopP         *float64 `json:"topP,omitempty"`
	TopK         *int     `json:"topK,omitempty"`
}

// EnqueueResponse acknowledges an accepted async job.
type EnqueueResponse struct {
	Success bool      `json:"success"`
	JobID   uuid.UUID `json:"jobId"`
	Status  string    `json:"status"`
}

// JobMetrics summarizes queue health over a window.
type JobMetrics struct {
	WindowHours   int     `json:"windowHours"`
	TotalJobs     int64   `json:"totalJobs"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Cancelled     int64   `json:"cancelled"`
	QueueDepth    int64   `json:"queueDepth"`
	ActiveJobs    int64   `json:"activeJobs"`
	SuccessRate   float64 `json:"successRate"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	TotalRetries  int64   `json:"totalRetries"`
	DLQDepth      int64   `json:"dlqDepth"`
}

// DLQStats summarizes dead-letter contents.
type DLQStats struct {
	Total       int64            `json:"total"`
	ByProvider  map[string]int64 `json:"byProvider"`
	ByErrorType map[string]int64 `json:"byErrorType"`
	OldestAt    *time.Time       `json:"oldestAt,omitempty"`
}
