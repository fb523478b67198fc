package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/middleware"
	"platform-api/internal/models"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

const errCodeAlreadyProcessed = "ALREADY_PROCESSED"

// AdminRoleHandler serves the admin side of role management: reviewing
// applications and granting/revoking roles directly.
type AdminRoleHandler struct {
	apps   *services.ApplicationService
	roles  *services.RoleService
	logger *logrus.Entry
}

// NewAdminRoleHandler creates a new admin role handler
func NewAdminRoleHandler(apps *services.ApplicationService, roles *services.RoleService, logger *logrus.Logger) *AdminRoleHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdminRoleHandler{
		apps:   apps,
		roles:  roles,
		logger: logger.WithField("component", "admin-role-handler"),
	}
}

// ListApplications godoc
// @Summary List role applications
// @Tags admin
// @Produce json
// @Param status query string false "Filter by status (pending, approved, rejected)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} models.PaginatedResponse
// @Router /admin/role-applications [get]
func (h *AdminRoleHandler) ListApplications(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", models.ApplicationStatusPending, models.ApplicationStatusApproved, models.ApplicationStatusRejected:
	default:
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Unknown status filter"))
		return
	}

	limit, offset := pagination(c)
	apps, total, err := h.apps.ListApplications(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.fail(c, err, "Failed to list applications")
		return
	}

	c.JSON(http.StatusOK, models.PaginatedResponse{
		Success: true,
		Data:    apps,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// GetApplication godoc
// @Summary Get one role application
// @Tags admin
// @Produce json
// @Param id path string true "Application ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /admin/role-applications/{id} [get]
func (h *AdminRoleHandler) GetApplication(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Invalid application ID"))
		return
	}

	app, err := h.apps.GetApplication(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse(middleware.ErrCodeNotFound, "Application not found"))
			return
		}
		h.fail(c, err, "Failed to load application")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: app})
}

// ApproveApplication godoc
// @Summary Approve a pending role application
// @Description Grants the role, merges business info and activates a pending account in one transaction.
// @Tags admin
// @Produce json
// @Param id path string true "Application ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /admin/role-applications/{id}/approve [post]
func (h *AdminRoleHandler) ApproveApplication(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Invalid application ID"))
		return
	}
	admin, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	app, err := h.apps.Approve(c.Request.Context(), id, admin.ID)
	if err != nil {
		h.decisionError(c, err, "Failed to approve application")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: app, Message: "Application approved"})
}

// RejectApplication godoc
// @Summary Reject a pending role application
// @Description The rejection reason is mandatory (10-500 characters) and stored with the application.
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Application ID"
// @Param request body models.RejectApplicationRequest true "Rejection payload"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /admin/role-applications/{id}/reject [post]
func (h *AdminRoleHandler) RejectApplication(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Invalid application ID"))
		return
	}
	admin, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	var req models.RejectApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		return
	}

	app, err := h.apps.Reject(c.Request.Context(), id, admin.ID, req.Reason)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRejectReason) {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
			return
		}
		h.decisionError(c, err, "Failed to reject application")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: app, Message: "Application rejected"})
}

// ApplicationMetrics godoc
// @Summary Role application metrics
// @Tags admin
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Router /admin/role-applications/metrics [get]
func (h *AdminRoleHandler) ApplicationMetrics(c *gin.Context) {
	pending, err := h.apps.CountPending(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to count pending applications")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    map[string]interface{}{"pendingCount": pending},
	})
}

type assignRoleRequest struct {
	Role       string     `json:"role" binding:"required"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

// AssignRole godoc
// @Summary Grant a role to a user directly
// @Description Idempotent: granting an already-held role refreshes the existing assignment.
// @Tags admin
// @Accept json
// @Produce json
// @Param userId path string true "User ID"
// @Param request body assignRoleRequest true "Role grant payload"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /admin/users/{userId}/roles [post]
func (h *AdminRoleHandler) AssignRole(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Invalid user ID"))
		return
	}
	admin, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	var req assignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		return
	}

	assignment, err := h.roles.AssignRole(c.Request.Context(), userID, req.Role, &admin.ID, req.ValidUntil)
	if err != nil {
		if errors.Is(err, services.ErrUnknownRole) {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
			return
		}
		h.fail(c, err, "Failed to assign role")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: assignment})
}

// RevokeRole godoc
// @Summary Revoke a role from a user
// @Tags admin
// @Produce json
// @Param userId path string true "User ID"
// @Param role path string true "Role name"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /admin/users/{userId}/roles/{role} [delete]
func (h *AdminRoleHandler) RevokeRole(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Invalid user ID"))
		return
	}
	admin, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	revoked, err := h.roles.RevokeRole(c.Request.Context(), userID, c.Param("role"), &admin.ID)
	if err != nil {
		h.fail(c, err, "Failed to revoke role")
		return
	}
	if !revoked {
		c.JSON(http.StatusNotFound, models.NewErrorResponse(middleware.ErrCodeNotFound, "User does not hold this role"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "Role revoked"})
}

func (h *AdminRoleHandler) decisionError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, models.NewErrorResponse(middleware.ErrCodeNotFound, "Application not found"))
	case errors.Is(err, services.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, models.NewErrorResponse(errCodeAlreadyProcessed, "Application has already been processed"))
	default:
		h.fail(c, err, message)
	}
}

func (h *AdminRoleHandler) fail(c *gin.Context, err error, message string) {
	h.logger.WithError(err).Error(message)
	c.JSON(http.StatusInternalServerError, models.NewErrorResponse(middleware.ErrCodeInternal, message))
}
