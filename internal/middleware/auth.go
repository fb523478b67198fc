package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/models"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

// Context keys set by the auth chain.
const (
	ContextUserKey       = "user"
	ContextUserIDKey     = "user_id"
	ContextActiveRoleKey = "active_role"
)

// AccessTokenCookie is the cookie carrying the access token for first-party
// clients.
const AccessTokenCookie = "accessToken"

// AuthMiddleware is the authentication/authorization chain: token
// verification, user load, role and permission gates.
type AuthMiddleware struct {
	tokens *services.TokenService
	users  repository.UserRepositoryInterface
	roles  *services.RoleService
	logger *logrus.Entry
}

// NewAuthMiddleware creates the auth middleware chain
func NewAuthMiddleware(tokens *services.TokenService, users repository.UserRepositoryInterface, roles *services.RoleService, logger *logrus.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuthMiddleware{
		tokens: tokens,
		users:  users,
		roles:  roles,
		logger: logger.WithField("component", "auth-middleware"),
	}
}

// CurrentUser returns the authenticated user set by RequireAuth.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	value, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}

// extractToken reads the access token from the Authorization header first,
// then the cookie.
func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimPrefix(header, "Bearer ")
		}
	}
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
		return cookie
	}
	return ""
}

// authenticate resolves the caller or aborts with the appropriate code.
// Token failures and storage failures take different exits: a broken
// database is a 500, never a silent 401.
func (m *AuthMiddleware) authenticate(c *gin.Context) (*models.User, bool) {
	tokenString := extractToken(c)
	if tokenString == "" {
		abort(c, http.StatusUnauthorized, ErrCodeAuthRequired, "Authentication required")
		return nil, false
	}

	userID, ok := m.tokens.VerifyAccess(tokenString)
	if !ok {
		abort(c, http.StatusUnauthorized, ErrCodeInvalidToken, "Token is invalid or expired")
		return nil, false
	}

	user, err := m.users.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			abort(c, http.StatusUnauthorized, ErrCodeInvalidUser, "Account no longer exists")
			return nil, false
		}
		m.logger.WithError(err).Error("Failed to load user during authentication")
		abort(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to authenticate request")
		return nil, false
	}

	// Inactive counts as an authentication failure, same class as a bad
	// token: the session does not identify a usable principal.
	if !user.IsActive() {
		abort(c, http.StatusUnauthorized, ErrCodeUserInactive, "Account is not active")
		return nil, false
	}

	c.Set(ContextUserKey, user)
	c.Set(ContextUserIDKey, user.ID)
	return user, true
}

// RequireAuth enforces a valid access token and an active account
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := m.authenticate(c); !ok {
			return
		}
		c.Next()
	}
}

// OptionalAuth resolves the caller when credentials are present but never
// rejects the request
func (m *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.Next()
			return
		}
		if userID, ok := m.tokens.VerifyAccess(tokenString); ok {
			if user, err := m.users.GetUserByID(c.Request.Context(), userID); err == nil && user.IsActive() {
				c.Set(ContextUserKey, user)
				c.Set(ContextUserIDKey, user.ID)
			}
		}
		c.Next()
	}
}

// RequireRole passes when the caller currently holds at least one of the
// given roles. The matched role is attached to the context.
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := m.currentOrAuthenticate(c)
		if !ok {
			return
		}

		has, matched, err := m.roles.HasAnyRole(c.Request.Context(), user.ID, roles...)
		if err != nil {
			m.logger.WithError(err).Error("Failed to resolve roles")
			abort(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to resolve roles")
			return
		}
		if !has {
			abort(c, http.StatusForbidden, ErrCodeRoleRequired, "Required role is missing")
			return
		}

		c.Set(ContextActiveRoleKey, matched)
		c.Next()
	}
}

// RequireAdmin admits only the prefixed platform admin roles. The legacy
// unprefixed names are denied outright and audited so stale assignments are
// visible, not quietly honored.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := m.currentOrAuthenticate(c)
		if !ok {
			return
		}

		has, matched, err := m.roles.HasAnyRole(c.Request.Context(), user.ID, models.RoleAdmin, models.RoleSuperAdmin)
		if err != nil {
			m.logger.WithError(err).Error("Failed to resolve roles")
			abort(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to resolve roles")
			return
		}
		if has {
			c.Set(ContextActiveRoleKey, matched)
			c.Next()
			return
		}

		if legacy := m.findLegacyAdminRole(c, user.ID); legacy != "" {
			m.auditLegacyDenied(c, user, legacy)
			abort(c, http.StatusForbidden, ErrCodePermissionDenied, "Legacy admin roles are no longer honored")
			return
		}

		abort(c, http.StatusForbidden, ErrCodeRoleRequired, "Admin role required")
	}
}

// RequirePermission passes when the caller holds the permission, directly or
// through a role
func (m *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := m.currentOrAuthenticate(c)
		if !ok {
			return
		}

		has, err := m.roles.HasPermission(c.Request.Context(), user, permission)
		if err != nil {
			m.logger.WithError(err).Error("Failed to resolve permissions")
			abort(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to resolve permissions")
			return
		}
		if !has {
			abort(c, http.StatusForbidden, ErrCodePermissionDenied, "Permission denied")
			return
		}
		c.Next()
	}
}

// RequireAnyPermission passes when the caller holds at least one of the
// given permissions
func (m *AuthMiddleware) RequireAnyPermission(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := m.currentOrAuthenticate(c)
		if !ok {
			return
		}

		has, err := m.roles.HasAnyPermission(c.Request.Context(), user, permissions...)
		if err != nil {
			m.logger.WithError(err).Error("Failed to resolve permissions")
			abort(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to resolve permissions")
			return
		}
		if !has {
			abort(c, http.StatusForbidden, ErrCodePermissionDenied, "Permission denied")
			return
		}
		c.Next()
	}
}

// currentOrAuthenticate reuses the user resolved earlier in the chain, or
// authenticates when this gate runs standalone.
func (m *AuthMiddleware) currentOrAuthenticate(c *gin.Context) (*models.User, bool) {
	if user, ok := CurrentUser(c); ok {
		return user, true
	}
	return m.authenticate(c)
}

// findLegacyAdminRole looks for a still-active pre-migration admin
// assignment.
func (m *AuthMiddleware) findLegacyAdminRole(c *gin.Context, userID uuid.UUID) string {
	roles, err := m.roles.GetActiveRoles(c.Request.Context(), userID)
	if err != nil {
		return ""
	}
	for _, r := range roles {
		if models.IsLegacyAdminRole(r) {
			return r
		}
	}
	return ""
}

func (m *AuthMiddleware) auditLegacyDenied(c *gin.Context, user *models.User, legacyRole string) {
	m.logger.WithFields(logrus.Fields{
		"userId": user.ID,
		"role":   legacyRole,
		"path":   c.Request.URL.Path,
	}).Warn("Denied admin access via legacy role")

	ip := c.ClientIP()
	ua := c.Request.UserAgent()
	detail := "legacy role: " + legacyRole
	userID := user.ID
	email := user.Email

	go func() {
		audit := &models.AuthAudit{
			UserID:    &userID,
			Email:     &email,
			Action:    models.AuditLegacyRoleDenied,
			Detail:    &detail,
			IPAddress: &ip,
			UserAgent: &ua,
		}
		if err := m.users.CreateAuthAudit(context.Background(), audit); err != nil {
			m.logger.WithError(err).Warn("Failed to write legacy role audit")
		}
	}()
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.NewErrorResponse(code, message))
}
