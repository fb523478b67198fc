package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"platform-api/internal/events"
	"platform-api/internal/middleware"
	"platform-api/internal/models"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

// Auth-specific error codes.
const (
	errCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	errCodeEmailTaken          = "EMAIL_TAKEN"
	errCodePasswordMismatch    = "PASSWORD_MISMATCH"
	errCodeRefreshInvalid      = "REFRESH_TOKEN_INVALID"
	errCodeRefreshExpired      = "REFRESH_TOKEN_EXPIRED"
	errCodeTokenFamilyMismatch = "TOKEN_FAMILY_MISMATCH"
)

// AuthHandler serves registration, login and the token lifecycle.
type AuthHandler struct {
	users     repository.UserRepositoryInterface
	roles     *services.RoleService
	apps      *services.ApplicationService
	tokens    *services.TokenService
	publisher *events.Publisher
	cookies   cookiePolicy
	logger    *logrus.Entry
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(users repository.UserRepositoryInterface, roles *services.RoleService, apps *services.ApplicationService, tokens *services.TokenService, publisher *events.Publisher, cookieDomain string, cookieSecure bool, logger *logrus.Logger) *AuthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuthHandler{
		users:     users,
		roles:     roles,
		apps:      apps,
		tokens:    tokens,
		publisher: publisher,
		cookies:   cookiePolicy{domain: cookieDomain, secure: cookieSecure},
		logger:    logger.WithField("component", "auth-handler"),
	}
}

// Register godoc
// @Summary Register a new account
// @Description Creates a pending account with business info, an initial role assignment and a role application awaiting admin review. No tokens are issued.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.RegisterRequest true "Registration payload"
// @Success 201 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		return
	}

	if req.Password != req.PasswordConfirm {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(errCodePasswordMismatch, "Password confirmation does not match"))
		return
	}

	applicable := false
	for _, r := range models.ApplicableRoles {
		if r == req.Role {
			applicable = true
			break
		}
	}
	if !applicable {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, "Role cannot be applied for"))
		return
	}

	if _, err := h.users.GetUserByEmail(c.Request.Context(), req.Email); err == nil {
		c.JSON(http.StatusConflict, models.NewErrorResponse(errCodeEmailTaken, "Email is already registered"))
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		h.fail(c, err, "Failed to check email")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.fail(c, err, "Failed to hash password")
		return
	}

	now := nowUTC()
	user := &models.User{
		ID:           uuid.New(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Name:         req.Name,
		Phone:        req.Phone,
		Status:       models.UserStatusPending,
	}
	info := &models.BusinessInfo{
		ID:              uuid.New(),
		BusinessName:    req.BusinessName,
		BusinessNumber:  req.BusinessNumber,
		BusinessPhone:   req.BusinessPhone,
		BusinessAddress: req.BusinessAddress,
	}
	assignment := &models.RoleAssignment{
		ID:         uuid.New(),
		Role:       req.Role,
		IsActive:   true,
		ValidFrom:  now,
		AssignedAt: now,
	}

	// User, business info and initial role assignment land atomically.
	if err := h.users.RegisterUser(c.Request.Context(), user, info, assignment); err != nil {
		h.fail(c, err, "Failed to register user")
		return
	}

	// The account stays pending until an admin approves this application.
	if _, err := h.apps.Apply(c.Request.Context(), user.ID, &models.ApplyRoleRequest{
		Role:           req.Role,
		BusinessName:   req.BusinessName,
		BusinessNumber: req.BusinessNumber,
	}); err != nil {
		h.logger.WithError(err).WithField("userId", user.ID).Error("Failed to open role application after registration")
	}

	h.audit(c, &user.ID, &user.Email, models.AuditRegister, nil)
	if h.publisher != nil {
		h.publisher.PublishUserRegistered(c.Request.Context(), user, req.Role)
	}

	c.JSON(http.StatusCreated, models.SuccessResponse{
		Success: true,
		Message: "Registration received, account pending approval",
		Data: models.UserProfile{
			ID:        user.ID,
			Email:     user.Email,
			Name:      user.Name,
			Phone:     user.Phone,
			Status:    user.Status,
			Roles:     []string{},
			CreatedAt: user.CreatedAt,
		},
	})
}

// Login godoc
// @Summary Authenticate with email and password
// @Description Issues httpOnly token cookies. Tokens appear in the body only for cross-origin clients or explicit includeTokens opt-in.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "Credentials"
// @Success 200 {object} models.LoginResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		return
	}

	user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.audit(c, nil, &req.Email, models.AuditLoginFailed, strPtr("unknown email"))
			c.JSON(http.StatusUnauthorized, models.NewErrorResponse(errCodeInvalidCredentials, "Invalid email or password"))
			return
		}
		h.fail(c, err, "Failed to load user")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		h.audit(c, &user.ID, &user.Email, models.AuditLoginFailed, strPtr("bad password"))
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(errCodeInvalidCredentials, "Invalid email or password"))
		return
	}

	if !user.IsActive() {
		msg := "Account is not active"
		if user.Status == models.UserStatusPending {
			msg = "Account is pending approval"
		}
		c.JSON(http.StatusForbidden, models.NewErrorResponse(middleware.ErrCodeUserInactive, msg))
		return
	}

	ip := c.ClientIP()
	ua := c.Request.UserAgent()
	pair, err := h.tokens.IssuePair(c.Request.Context(), user.ID, h.tokens.NewFamily(), &ua, &ip)
	if err != nil {
		h.fail(c, err, "Failed to issue tokens")
		return
	}

	if err := h.users.TouchLastLogin(c.Request.Context(), user.ID, nowUTC()); err != nil {
		h.logger.WithError(err).Warn("Failed to stamp last login")
	}
	h.audit(c, &user.ID, &user.Email, models.AuditLoginSuccess, nil)

	profile, err := h.buildProfile(c, user)
	if err != nil {
		h.fail(c, err, "Failed to build profile")
		return
	}

	h.cookies.setAuthCookies(c, pair)

	resp := models.LoginResponse{Success: true, User: profile}
	if req.IncludeTokens || isCrossOrigin(c) {
		resp.Tokens = pair
	}
	c.JSON(http.StatusOK, resp)
}

// Refresh godoc
// @Summary Rotate the refresh token
// @Description Exchanges a valid refresh token for a new pair. Any failure clears the auth cookies and requires a fresh login.
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} models.LoginResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	fromBody := false
	tokenString, err := c.Cookie(refreshTokenCookie)
	if err != nil || tokenString == "" {
		var req models.RefreshRequest
		if bindErr := c.ShouldBindJSON(&req); bindErr == nil && req.RefreshToken != "" {
			tokenString = req.RefreshToken
			fromBody = true
		}
	}
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Refresh token missing"))
		return
	}

	ip := c.ClientIP()
	ua := c.Request.UserAgent()
	pair, userID, err := h.tokens.Rotate(c.Request.Context(), tokenString, &ua, &ip)
	if err != nil {
		h.cookies.clearAuthCookies(c)
		h.audit(c, nil, nil, models.AuditRefreshFailed, strPtr(err.Error()))

		code := errCodeRefreshInvalid
		switch {
		case errors.Is(err, services.ErrRefreshTokenExpired):
			code = errCodeRefreshExpired
		case errors.Is(err, services.ErrTokenFamilyMismatch):
			code = errCodeTokenFamilyMismatch
		case !errors.Is(err, services.ErrRefreshTokenInvalid):
			h.fail(c, err, "Failed to rotate token")
			return
		}

		retryable := false
		resp := models.NewErrorResponse(code, "Session is no longer valid, sign in again")
		resp.Error.Retryable = &retryable
		c.JSON(http.StatusUnauthorized, resp)
		return
	}

	user, err := h.users.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		h.cookies.clearAuthCookies(c)
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeInvalidUser, "Account no longer exists"))
		return
	}
	if !user.IsActive() {
		h.cookies.clearAuthCookies(c)
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeUserInactive, "Account is not active"))
		return
	}

	h.audit(c, &userID, &user.Email, models.AuditRefreshRotated, nil)
	h.cookies.setAuthCookies(c, pair)

	profile, err := h.buildProfile(c, user)
	if err != nil {
		h.fail(c, err, "Failed to build profile")
		return
	}

	resp := models.LoginResponse{Success: true, User: profile}
	if fromBody || isCrossOrigin(c) {
		resp.Tokens = pair
	}
	c.JSON(http.StatusOK, resp)
}

// Logout godoc
// @Summary End the current session
// @Tags auth
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	if tokenString, err := c.Cookie(refreshTokenCookie); err == nil && tokenString != "" {
		h.tokens.RevokeByToken(c.Request.Context(), tokenString)
	} else {
		var req models.RefreshRequest
		if bindErr := c.ShouldBindJSON(&req); bindErr == nil && req.RefreshToken != "" {
			h.tokens.RevokeByToken(c.Request.Context(), req.RefreshToken)
		}
	}

	if user, ok := middleware.CurrentUser(c); ok {
		h.audit(c, &user.ID, &user.Email, models.AuditLogout, nil)
	}

	h.cookies.clearAuthCookies(c)
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "Logged out"})
}

// LogoutAll godoc
// @Summary End every session for the account
// @Tags auth
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	revoked, err := h.tokens.RevokeAll(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err, "Failed to revoke sessions")
		return
	}

	h.audit(c, &user.ID, &user.Email, models.AuditLogoutAll, nil)
	h.cookies.clearAuthCookies(c)

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Message: "All sessions ended",
		Data:    map[string]interface{}{"revokedSessions": revoked},
	})
}

// Me godoc
// @Summary Current account profile
// @Description Roles and permissions are recomputed on every call, never read from the token.
// @Tags auth
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	profile, err := h.buildProfile(c, user)
	if err != nil {
		h.fail(c, err, "Failed to build profile")
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: profile})
}

// Status godoc
// @Summary Session status with role applications
// @Description Public: anonymous callers get authenticated=false instead of an error.
// @Tags auth
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Router /auth/status [get]
func (h *AuthHandler) Status(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusOK, models.SuccessResponse{
			Success: true,
			Data:    map[string]interface{}{"authenticated": false},
		})
		return
	}

	roles, err := h.roles.GetActiveRoles(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err, "Failed to resolve roles")
		return
	}
	apps, err := h.apps.ListUserApplications(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, err, "Failed to load applications")
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data: map[string]interface{}{
			"authenticated": true,
			"status":        user.Status,
			"roles":         emptyIfNil(roles),
			"applications":  apps,
		},
	})
}

// ApplyRole godoc
// @Summary Apply for a business role
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.ApplyRoleRequest true "Application payload"
// @Success 201 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /auth/role-applications [post]
func (h *AuthHandler) ApplyRole(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(middleware.ErrCodeAuthRequired, "Authentication required"))
		return
	}

	var req models.ApplyRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		return
	}

	app, err := h.apps.Apply(c.Request.Context(), user.ID, &req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownRole), errors.Is(err, services.ErrRoleNotApplicable):
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(middleware.ErrCodeValidation, err.Error()))
		case errors.Is(err, services.ErrDuplicateApplication):
			c.JSON(http.StatusConflict, models.NewErrorResponse(middleware.ErrCodeConflict, err.Error()))
		default:
			h.fail(c, err, "Failed to create application")
		}
		return
	}

	c.JSON(http.StatusCreated, models.SuccessResponse{Success: true, Data: app})
}

// buildProfile assembles the response profile with freshly computed roles
// and permissions.
func (h *AuthHandler) buildProfile(c *gin.Context, user *models.User) (*models.UserProfile, error) {
	roles, err := h.roles.GetActiveRoles(c.Request.Context(), user.ID)
	if err != nil {
		return nil, err
	}
	perms, err := h.roles.GetEffectivePermissions(c.Request.Context(), user)
	if err != nil {
		return nil, err
	}

	return &models.UserProfile{
		ID:           user.ID,
		Email:        user.Email,
		Name:         user.Name,
		Phone:        user.Phone,
		Status:       user.Status,
		Roles:        emptyIfNil(roles),
		Permissions:  emptyIfNil(perms),
		BusinessInfo: user.BusinessInfo,
		LastLoginAt:  user.LastLoginAt,
		CreatedAt:    user.CreatedAt,
	}, nil
}

func (h *AuthHandler) audit(c *gin.Context, userID *uuid.UUID, email *string, action string, detail *string) {
	ip := c.ClientIP()
	ua := c.Request.UserAgent()
	go func() {
		audit := &models.AuthAudit{
			UserID:    userID,
			Email:     email,
			Action:    action,
			Detail:    detail,
			IPAddress: &ip,
			UserAgent: &ua,
		}
		if err := h.users.CreateAuthAudit(contextBackground(), audit); err != nil {
			h.logger.WithError(err).Warn("Failed to write auth audit")
		}
	}()
}

func (h *AuthHandler) fail(c *gin.Context, err error, message string) {
	h.logger.WithError(err).Error(message)
	c.JSON(http.StatusInternalServerError, models.NewErrorResponse(middleware.ErrCodeInternal, message))
}

func strPtr(s string) *string { return &s }

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
