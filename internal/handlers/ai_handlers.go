package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/middleware"
	"platform-api/internal/models"
	"platform-api/internal/queue"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

const sseHeartbeatInterval = 30 * time.Second

// AIHandler serves the generation proxy, the async job queue, the DLQ and
// usage reporting.
type AIHandler struct {
	proxy  *services.AIProxyService
	queue  *queue.JobQueue
	jobs   repository.JobRepositoryInterface
	usage  *services.UsageService
	roles  *services.RoleService
	logger *logrus.Entry
}

// NewAIHandler creates a new AI handler
func NewAIHandler(proxy *services.AIProxyService, jobQueue *queue.JobQueue, jobs repository.JobRepositoryInterface, usage *services.UsageService, roles *services.RoleService, logger *logrus.Logger) *AIHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AIHandler{
		proxy:  proxy,
		queue:  jobQueue,
		jobs:   jobs,
		usage:  usage,
		roles:  roles,
		logger: logger.WithField("component", "ai-handler"),
	}
}

// Generate godoc
// @Summary Synchronous generation
// @Description Proxies the request to the provider and waits for the result.
// @Tags ai
// @Accept json
// @Produce json
// @Param request body models.GenerateRequest true "Generation payload"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Failure 504 {object} models.ErrorResponse
// @Router /ai/generate [post]
func (h *AIHandler) Generate(c *gin.Context) {
	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		return
	}

	resp, err := h.proxy.Generate(c.Request.Context(), &req)
	if err != nil {
		h.proxyError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: resp})
}

// GenerateAsync godoc
// @Summary Queue a generation job
// @Tags ai
// @Accept json
// @Produce json
// @Param request body models.GenerateRequest true "Generation payload"
// @Success 202 {object} models.EnqueueResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /ai/generate/async [post]
func (h *AIHandler) GenerateAsync(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		return
	}

	job, err := h.queue.Enqueue(c.Request.Context(), user.ID, &req, nil)
	if err != nil {
		h.proxyError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, models.EnqueueResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	})
}

// GetJob godoc
// @Summary Job status and result
// @Tags ai
// @Produce json
// @Param jobId path string true "Job ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /ai/jobs/{jobId} [get]
func (h *AIHandler) GetJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: job})
}

// CancelJob godoc
// @Summary Cancel a queued job
// @Description Best effort: a job that already started runs to completion.
// @Tags ai
// @Produce json
// @Param jobId path string true "Job ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /ai/jobs/{jobId} [delete]
func (h *AIHandler) CancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	cancelled, err := h.queue.Cancel(c.Request.Context(), job.ID)
	if err != nil {
		h.fail(c, err, "Failed to cancel job")
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, models.NewErrorResponse(middleware.ErrCodeConflict, "Job already started and cannot be cancelled"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "Job cancelled"})
}

// RetryJob godoc
// @Summary Re-run a job
// @Description Creates a fresh job with the same payload, linked to the original via relatedJobId.
// @Tags ai
// @Produce json
// @Param jobId path string true "Job ID"
// @Success 202 {object} models.EnqueueResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /ai/jobs/{jobId}/retry [post]
func (h *AIHandler) RetryJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	fresh, err := h.queue.Rerun(c.Request.Context(), job)
	if err != nil {
		h.proxyError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.EnqueueResponse{
		Success: true,
		JobID:   fresh.ID,
		Status:  fresh.Status,
	})
}

// StreamJob godoc
// @Summary Job progress stream (SSE)
// @Description Server-sent events: connected, progress, completed, failed, cancelled. Heartbeat comments keep idle connections alive.
// @Tags ai
// @Produce text/event-stream
// @Param jobId path string true "Job ID"
// @Router /ai/stream/{jobId} [get]
func (h *AIHandler) StreamJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(middleware.ErrCodeInternal, "Streaming unsupported"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	eventCh, unsubscribe := h.queue.Hub().Subscribe(job.ID)
	defer unsubscribe()

	// Re-read after subscribing: a job that finished between the ownership
	// load and the subscription published its terminal event to nobody, and
	// only this fresh snapshot can still report it.
	if fresh, err := h.jobs.GetJob(c.Request.Context(), job.ID); err == nil {
		job = fresh
	}

	writeSSE(c, flusher, queue.Event{
		Type:     queue.EventConnected,
		JobID:    job.ID.String(),
		Status:   job.Status,
		Progress: job.Progress,
	})

	// A job that already finished gets its terminal event immediately.
	if job.IsTerminal() {
		writeSSE(c, flusher, terminalEvent(job))
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-eventCh:
			if !open {
				return
			}
			writeSSE(c, flusher, event)
			switch event.Type {
			case queue.EventCompleted, queue.EventFailed, queue.EventCancelled:
				return
			}
		}
	}
}

// JobHistory godoc
// @Summary Caller's recent jobs
// @Tags ai
// @Produce json
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} models.PaginatedResponse
// @Router /ai/jobs/history [get]
func (h *AIHandler) JobHistory(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	limit, offset := pagination(c)
	jobs, total, err := h.jobs.ListJobsByUser(c.Request.Context(), user.ID, limit, offset)
	if err != nil {
		h.fail(c, err, "Failed to list jobs")
		return
	}
	c.JSON(http.StatusOK, models.PaginatedResponse{
		Success: true,
		Data:    jobs,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// JobMetrics godoc
// @Summary Queue health metrics
// @Tags ai
// @Produce json
// @Param hours query int false "Window in hours (default 24)"
// @Success 200 {object} models.SuccessResponse
// @Router /ai/jobs/metrics [get]
func (h *AIHandler) JobMetrics(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 24*30 {
			hours = v
		}
	}

	metrics, err := h.jobs.GetJobMetrics(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		h.fail(c, err, "Failed to compute metrics")
		return
	}
	metrics.WindowHours = hours
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: metrics})
}

// Models godoc
// @Summary Allowed providers, models and parameter limits
// @Tags ai
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Router /ai/models [get]
func (h *AIHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: services.ModelCatalog()})
}

// ListDLQ godoc
// @Summary List dead-letter entries
// @Tags ai
// @Produce json
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} models.PaginatedResponse
// @Router /ai/dlq [get]
func (h *AIHandler) ListDLQ(c *gin.Context) {
	limit, offset := pagination(c)
	entries, total, err := h.jobs.ListDLQEntries(c.Request.Context(), limit, offset)
	if err != nil {
		h.fail(c, err, "Failed to list DLQ entries")
		return
	}
	c.JSON(http.StatusOK, models.PaginatedResponse{
		Success: true,
		Data:    entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// DLQStats godoc
// @Summary Dead-letter statistics
// @Tags ai
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Router /ai/dlq/stats [get]
func (h *AIHandler) DLQStats(c *gin.Context) {
	stats, err := h.jobs.GetDLQStats(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to compute DLQ stats")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: stats})
}

// RetryDLQ godoc
// @Summary Retry a dead-lettered job
// @Description Creates a fresh job from the snapshot. The entry itself is never mutated.
// @Tags ai
// @Produce json
// @Param dlqJobId path string true "DLQ entry ID"
// @Success 202 {object} models.EnqueueResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /ai/dlq/{dlqJobId}/retry [post]
func (h *AIHandler) RetryDLQ(c *gin.Context) {
	id, err := uuid.Parse(c.Param("dlqJobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Invalid DLQ entry ID"))
		return
	}

	entry, err := h.jobs.GetDLQEntry(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse(middleware.ErrCodeNotFound, "DLQ entry not found"))
			return
		}
		h.fail(c, err, "Failed to load DLQ entry")
		return
	}

	job, err := h.queue.RetryFromDLQ(c.Request.Context(), entry)
	if err != nil {
		h.proxyError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeBadRequest, "DLQ entry could not be retried"))
		return
	}

	c.JSON(http.StatusAccepted, models.EnqueueResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	})
}

// UsageReport godoc
// @Summary Usage and cost report
// @Description Aggregates finished jobs between startDate and endDate (inclusive). format=csv downloads the daily breakdown.
// @Tags ai
// @Produce json
// @Param startDate query string true "Start date (YYYY-MM-DD)"
// @Param endDate query string true "End date (YYYY-MM-DD)"
// @Param provider query string false "Filter by provider"
// @Param format query string false "json (default) or csv"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /ai/usage/report [get]
func (h *AIHandler) UsageReport(c *gin.Context) {
	start, err := time.Parse("2006-01-02", c.Query("startDate"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "startDate must be YYYY-MM-DD"))
		return
	}
	endDay, err := time.Parse("2006-01-02", c.Query("endDate"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "endDate must be YYYY-MM-DD"))
		return
	}
	end := endDay.AddDate(0, 0, 1)

	userID, ok := h.usageScope(c)
	if !ok {
		return
	}

	report, err := h.usage.GenerateReport(c.Request.Context(), start, end, userID, c.Query("provider"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidDateRange) {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
			return
		}
		h.fail(c, err, "Failed to build usage report")
		return
	}

	if c.Query("format") == "csv" {
		csvBody, err := h.usage.ExportCSV(report)
		if err != nil {
			h.fail(c, err, "Failed to render CSV")
			return
		}
		c.Header("Content-Disposition", `attachment; filename="usage-report.csv"`)
		c.Data(http.StatusOK, "text/csv", []byte(csvBody))
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: report})
}

// UsageCurrentMonth godoc
// @Summary Usage for the current calendar month
// @Tags ai
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Router /ai/usage/current-month [get]
func (h *AIHandler) UsageCurrentMonth(c *gin.Context) {
	userID, ok := h.usageScope(c)
	if !ok {
		return
	}

	report, err := h.usage.CurrentMonth(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err, "Failed to build usage report")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: report})
}

// UsageLastNDays godoc
// @Summary Usage over the trailing N days
// @Tags ai
// @Produce json
// @Param days query int true "Number of days, 1-365"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /ai/usage/last-n-days [get]
func (h *AIHandler) UsageLastNDays(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "days must be an integer"))
		return
	}

	userID, ok := h.usageScope(c)
	if !ok {
		return
	}

	report, err := h.usage.LastNDays(c.Request.Context(), userID, days)
	if err != nil {
		if errors.Is(err, services.ErrInvalidDayCount) {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
			return
		}
		h.fail(c, err, "Failed to build usage report")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: report})
}

// ownedJob loads the job in the path and enforces ownership: a foreign job
// is 403, an unknown one 404. The 403 deliberately confirms existence but
// nothing else.
func (h *AIHandler) ownedJob(c *gin.Context) (*models.AIJob, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return nil, false
	}

	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Invalid job ID"))
		return nil, false
	}

	job, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse(middleware.ErrCodeNotFound, "Job not found"))
			return nil, false
		}
		h.fail(c, err, "Failed to load job")
		return nil, false
	}

	if job.UserID != user.ID {
		c.JSON(http.StatusForbidden, models.NewErrorResponse(middleware.ErrCodePermissionDenied, "You do not own this job"))
		return nil, false
	}
	return job, true
}

// usageScope restricts reports to the caller's own jobs unless they hold
// ai:admin and ask for scope=all.
func (h *AIHandler) usageScope(c *gin.Context) (*uuid.UUID, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return nil, false
	}

	if c.Query("scope") == "all" {
		has, err := h.roles.HasPermission(c.Request.Context(), user, "ai:admin")
		if err != nil {
			h.fail(c, err, "Failed to resolve permissions")
			return nil, false
		}
		if !has {
			c.JSON(http.StatusForbidden, models.NewErrorResponse(middleware.ErrCodePermissionDenied, "Permission denied"))
			return nil, false
		}
		return nil, true
	}

	id := user.ID
	return &id, true
}

// proxyError renders a *ProxyError with its mapped status and retryable
// flag.
func (h *AIHandler) proxyError(c *gin.Context, err error) {
	var perr *services.ProxyError
	if !errors.As(err, &perr) {
		h.fail(c, err, "Generation failed")
		return
	}

	resp := models.NewErrorResponse(perr.Type, perr.Message)
	resp.Error.Retryable = &perr.Retryable
	if perr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(perr.RetryAfter.Seconds())))
	}
	c.JSON(perr.HTTPStatus(), resp)
}

func (h *AIHandler) fail(c *gin.Context, err error, message string) {
	h.logger.WithError(err).Error(message)
	c.JSON(http.StatusInternalServerError, models.NewErrorResponse(middleware.ErrCodeInternal, message))
}

func terminalEvent(job *models.AIJob) queue.Event {
	event := queue.Event{
		JobID:    job.ID.String(),
		Status:   job.Status,
		Progress: job.Progress,
	}
	switch job.Status {
	case models.JobStatusCompleted:
		event.Type = queue.EventCompleted
		event.Result = []byte(job.Result)
	case models.JobStatusFailed:
		event.Type = queue.EventFailed
		if job.ErrorType != nil && job.ErrorMessage != nil {
			event.Error = &queue.EventError{Type: *job.ErrorType, Message: *job.ErrorMessage}
		}
	default:
		event.Type = queue.EventCancelled
	}
	return event
}

func writeSSE(c *gin.Context, flusher http.Flusher, event queue.Event) {
	c.SSEvent(event.Type, event)
	flusher.Flush()
}
