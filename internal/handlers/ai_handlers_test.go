package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"

	"platform-api/internal/middleware"
	"platform-api/internal/models"
	"platform-api/internal/queue"
	"platform-api/internal/repository"
)

// scriptedJobRepo serves a fixed sequence of job snapshots, one per GetJob
// call; the last snapshot repeats.
type scriptedJobRepo struct {
	repository.JobRepositoryInterface
	mu    sync.Mutex
	reads []*models.AIJob
}

func (r *scriptedJobRepo) GetJob(ctx context.Context, id uuid.UUID) (*models.AIJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.reads[0]
	if len(r.reads) > 1 {
		r.reads = r.reads[1:]
	}
	cp := *job
	return &cp, nil
}

func TestStreamJob_FinishedBeforeSubscribe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	userID := uuid.New()
	jobID := uuid.New()

	// First read (ownership check) sees the job still queued; by the time the
	// stream subscribes it has completed, and its event went to nobody. The
	// stream must still deliver the terminal event instead of idling forever.
	repo := &scriptedJobRepo{reads: []*models.AIJob{
		{ID: jobID, UserID: userID, Status: models.JobStatusQueued},
		{
			ID: jobID, UserID: userID, Status: models.JobStatusCompleted,
			Progress: 100, Result: datatypes.JSON(`{"content":"done"}`),
		},
	}}

	jq := queue.NewJobQueue(repo, nil, nil, nil, 1, 1, 1)
	h := NewAIHandler(nil, jq, repo, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/ai/stream/"+jobID.String(), nil).WithContext(ctx)
	c.Params = gin.Params{{Key: "jobId", Value: jobID.String()}}
	c.Set(middleware.ContextUserKey, &models.User{ID: userID, Status: models.UserStatusActive})

	h.StreamJob(c)

	body := w.Body.String()
	assert.Contains(t, body, "event:connected")
	assert.Contains(t, body, "event:completed")
}

func TestStreamJob_ForeignJobDenied(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jobID := uuid.New()

	repo := &scriptedJobRepo{reads: []*models.AIJob{
		{ID: jobID, UserID: uuid.New(), Status: models.JobStatusQueued},
	}}
	jq := queue.NewJobQueue(repo, nil, nil, nil, 1, 1, 1)
	h := NewAIHandler(nil, jq, repo, nil, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/ai/stream/"+jobID.String(), nil)
	c.Params = gin.Params{{Key: "jobId", Value: jobID.String()}}
	c.Set(middleware.ContextUserKey, &models.User{ID: uuid.New(), Status: models.UserStatusActive})

	h.StreamJob(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
