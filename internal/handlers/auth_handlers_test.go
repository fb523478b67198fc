package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-api/internal/middleware"
	"platform-api/internal/models"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

// Minimal stubs for the status endpoint; the embedded interfaces panic on
// anything the handler should not touch.
type stubUserRepo struct {
	repository.UserRepositoryInterface
}

type stubRoleRepo struct {
	repository.RoleRepositoryInterface
	assignments map[uuid.UUID][]models.RoleAssignment
	apps        map[uuid.UUID][]models.RoleApplication
}

func (r *stubRoleRepo) GetAssignments(ctx context.Context, userID uuid.UUID) ([]models.RoleAssignment, error) {
	return r.assignments[userID], nil
}

func (r *stubRoleRepo) ListApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]models.RoleApplication, error) {
	return r.apps[userID], nil
}

func newStatusHandler(roleRepo *stubRoleRepo) *AuthHandler {
	roles := services.NewRoleService(roleRepo, nil, nil, nil)
	apps := services.NewApplicationService(roleRepo, &stubUserRepo{}, nil, nil, nil)
	return NewAuthHandler(&stubUserRepo{}, roles, apps, nil, nil, "", false, nil)
}

func statusRequest(t *testing.T, h *AuthHandler, user *models.User) map[string]interface{} {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/auth/status", nil)
	if user != nil {
		c.Set(middleware.ContextUserKey, user)
	}

	h.Status(c)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	return resp.Data
}

func TestStatus_Anonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newStatusHandler(&stubRoleRepo{})

	// No session: still a 200, never a 401.
	data := statusRequest(t, h, nil)
	assert.Equal(t, false, data["authenticated"])
	assert.NotContains(t, data, "roles")
}

func TestStatus_Authenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	user := &models.User{ID: uuid.New(), Email: "seller@example.com", Status: models.UserStatusActive}

	roleRepo := &stubRoleRepo{
		assignments: map[uuid.UUID][]models.RoleAssignment{
			user.ID: {{
				ID: uuid.New(), UserID: user.ID, Role: models.RoleSeller,
				IsActive: true, ValidFrom: time.Now().Add(-time.Hour),
			}},
		},
		apps: map[uuid.UUID][]models.RoleApplication{
			user.ID: {{
				ID: uuid.New(), UserID: user.ID, Role: models.RoleSupplier,
				Status: models.ApplicationStatusPending,
			}},
		},
	}
	h := newStatusHandler(roleRepo)

	data := statusRequest(t, h, user)
	assert.Equal(t, true, data["authenticated"])
	assert.Equal(t, models.UserStatusActive, data["status"])
	assert.Equal(t, []interface{}{models.RoleSeller}, data["roles"])
	assert.Len(t, data["applications"], 1)
}
