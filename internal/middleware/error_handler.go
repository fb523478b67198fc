package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/models"
)

// Stable error codes shared across handlers.
const (
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeAuthRequired     = "AUTH_REQUIRED"
	ErrCodeInvalidToken     = "INVALID_TOKEN"
	ErrCodeInvalidUser      = "INVALID_USER"
	ErrCodeUserInactive     = "USER_INACTIVE"
	ErrCodeRoleRequired     = "ROLE_REQUIRED"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeRateLimited      = "RATE_LIMIT_ERROR"
)

// CustomError carries a code and status through c.Error().
type CustomError struct {
	Code       string
	Message    string
	StatusCode int
	Details    map[string]interface{}
}

func (e CustomError) Error() string {
	return e.Message
}

// ErrorHandler converts errors attached to the context into the standard
// envelope, with the request's trace ID in the details.
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithField("component", "error-handler")

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		traceID, ok := c.Get("trace_id")
		if !ok {
			traceID = uuid.New().String()
		}

		statusCode := http.StatusInternalServerError
		resp := models.NewErrorResponse(ErrCodeInternal, "An unexpected error occurred")
		if customErr, isCustom := err.(CustomError); isCustom {
			statusCode = customErr.StatusCode
			resp = models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    customErr.Code,
					Message: customErr.Message,
					Details: customErr.Details,
				},
			}
		}

		if resp.Error.Details == nil {
			resp.Error.Details = map[string]interface{}{}
		}
		resp.Error.Details["traceId"] = traceID

		log.WithFields(logrus.Fields{
			"traceId": traceID,
			"code":    resp.Error.Code,
			"path":    c.Request.URL.Path,
			"method":  c.Request.Method,
		}).WithError(err).Error("Request failed")

		if !c.Writer.Written() {
			c.JSON(statusCode, resp)
		}
	}
}

// NewNotFoundError creates a not-found error for c.Error()
func NewNotFoundError(resource string) CustomError {
	return CustomError{
		Code:       ErrCodeNotFound,
		Message:    resource + " not found",
		StatusCode: http.StatusNotFound,
	}
}

// NewInternalError wraps an unexpected failure
func NewInternalError(message string) CustomError {
	return CustomError{
		Code:       ErrCodeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}
