package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/cache"
	"platform-api/internal/events"
	"platform-api/internal/models"
	"platform-api/internal/repository"
)

// rolePermissions is the static grant table for business roles.
var rolePermissions = map[string][]string{
	models.RoleSeller: {
		"catalog:products:read",
		"catalog:products:write",
		"orders:read",
		"settlement:read",
		"ai:generate",
	},
	models.RolePartner: {
		"logistics:shipments:read",
		"logistics:shipments:write",
		"orders:read",
		"ai:generate",
	},
	models.RoleSupplier: {
		"catalog:supply:read",
		"catalog:supply:write",
		"inventory:read",
		"inventory:write",
		"ai:generate",
	},
}

// adminPermissions is the fixed set granted to platform admin roles. It is
// deliberately not a wildcard-everything grant: admin surface is enumerated.
var adminPermissions = []string{
	"platform:users:read",
	"platform:users:write",
	"platform:roles:read",
	"platform:roles:write",
	"platform:applications:read",
	"platform:applications:decide",
	"platform:audit:read",
	"ai:generate",
	"ai:admin",
}

// RoleService owns role assignments and permission derivation. Every
// assignment mutation goes through here so the permission cache can be
// invalidated in the same breath.
type RoleService struct {
	repo      repository.RoleRepositoryInterface
	cache     *cache.PermissionCache
	publisher *events.Publisher
	logger    *logrus.Entry
	now       func() time.Time
}

// NewRoleService creates a new role service
func NewRoleService(repo repository.RoleRepositoryInterface, permCache *cache.PermissionCache, publisher *events.Publisher, logger *logrus.Logger) *RoleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RoleService{
		repo:      repo,
		cache:     permCache,
		publisher: publisher,
		logger:    logger.WithField("component", "role-service"),
		now:       time.Now,
	}
}

// GetActiveRoles returns the roles currently granted to the user: active
// assignment rows whose validity window contains now. Storage errors
// propagate to the caller; they are never folded into "no roles".
func (s *RoleService) GetActiveRoles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	assignments, err := s.repo.GetAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var roles []string
	for _, a := range assignments {
		if a.IsValidAt(now) {
			roles = append(roles, a.Role)
		}
	}
	return roles, nil
}

// HasRole reports whether the user currently holds the role
func (s *RoleService) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	roles, err := s.GetActiveRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// HasAnyRole reports whether the user holds at least one of the given roles
func (s *RoleService) HasAnyRole(ctx context.Context, userID uuid.UUID, wanted ...string) (bool, string, error) {
	roles, err := s.GetActiveRoles(ctx, userID)
	if err != nil {
		return false, "", err
	}
	for _, w := range wanted {
		for _, r := range roles {
			if r == w {
				return true, r, nil
			}
		}
	}
	return false, "", nil
}

// HasAllRoles reports whether the user currently holds every one of the
// given roles
func (s *RoleService) HasAllRoles(ctx context.Context, userID uuid.UUID, wanted ...string) (bool, error) {
	roles, err := s.GetActiveRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	held := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		held[r] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := held[w]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// AssignRole grants a role. Granting an already-held role is idempotent: the
// existing (user, role) row is reactivated and its window refreshed, so the
// table never accumulates duplicate rows for the pair.
func (s *RoleService) AssignRole(ctx context.Context, userID uuid.UUID, role string, assignedBy *uuid.UUID, validUntil *time.Time) (*models.RoleAssignment, error) {
	if !models.IsAssignableRole(role) {
		return nil, ErrUnknownRole
	}

	now := s.now()
	assignment := &models.RoleAssignment{
		ID:         uuid.New(),
		UserID:     userID,
		Role:       role,
		IsActive:   true,
		ValidFrom:  now,
		ValidUntil: validUntil,
		AssignedAt: now,
		AssignedBy: assignedBy,
	}

	if err := s.repo.UpsertAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	s.invalidatePermissions(ctx, userID)
	s.auditRole(userID, role, "granted", assignedBy, nil)
	if s.publisher != nil {
		s.publisher.PublishRoleGranted(ctx, userID, role, assignedBy)
	}

	return assignment, nil
}

// RevokeRole deactivates a role assignment. Returns false when the user did
// not hold the role.
func (s *RoleService) RevokeRole(ctx context.Context, userID uuid.UUID, role string, revokedBy *uuid.UUID) (bool, error) {
	revoked, err := s.repo.DeactivateAssignment(ctx, userID, role, revokedBy, s.now())
	if err != nil {
		return false, err
	}
	if !revoked {
		return false, nil
	}

	s.invalidatePermissions(ctx, userID)
	s.auditRole(userID, role, "revoked", revokedBy, nil)
	if s.publisher != nil {
		s.publisher.PublishRoleRevoked(ctx, userID, role, revokedBy)
	}
	return true, nil
}

// RevokeAllRoles deactivates every active assignment for a user
func (s *RoleService) RevokeAllRoles(ctx context.Context, userID uuid.UUID, revokedBy *uuid.UUID) (int64, error) {
	count, err := s.repo.DeactivateAllAssignments(ctx, userID, revokedBy, s.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.invalidatePermissions(ctx, userID)
		s.auditRole(userID, "*", "revoked", revokedBy, nil)
	}
	return count, nil
}

// GetEffectivePermissions computes the union of the user's direct permissions
// and the grants of their active roles. Admin roles receive the fixed admin
// set. Results are cached per user; mutations invalidate.
func (s *RoleService) GetEffectivePermissions(ctx context.Context, user *models.User) ([]string, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, user.ID); err == nil && cached != nil {
			return cached, nil
		}
	}

	roles, err := s.GetActiveRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{})
	for _, p := range user.Permissions {
		set[p] = struct{}{}
	}
	for _, role := range roles {
		if role == models.RoleAdmin || role == models.RoleSuperAdmin {
			for _, p := range adminPermissions {
				set[p] = struct{}{}
			}
			continue
		}
		for _, p := range rolePermissions[role] {
			set[p] = struct{}{}
		}
	}

	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)

	if s.cache != nil {
		go func(userID uuid.UUID, perms []string) {
			cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.cache.Set(cacheCtx, userID, perms); err != nil {
				s.logger.WithError(err).Debug("Failed to cache permissions")
			}
		}(user.ID, perms)
	}

	return perms, nil
}

// HasPermission checks one permission. Direct grants on the user short-cut
// the role lookup entirely.
func (s *RoleService) HasPermission(ctx context.Context, user *models.User, required string) (bool, error) {
	for _, p := range user.Permissions {
		if matchPermission(p, required) {
			return true, nil
		}
	}

	perms, err := s.GetEffectivePermissions(ctx, user)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if matchPermission(p, required) {
			return true, nil
		}
	}
	return false, nil
}

// HasAnyPermission reports whether the user holds at least one of the given
// permissions
func (s *RoleService) HasAnyPermission(ctx context.Context, user *models.User, required ...string) (bool, error) {
	perms, err := s.GetEffectivePermissions(ctx, user)
	if err != nil {
		return false, err
	}
	for _, req := range required {
		for _, p := range perms {
			if matchPermission(p, req) {
				return true, nil
			}
		}
	}
	return false, nil
}

// HasAllPermissions reports whether the user holds every given permission
func (s *RoleService) HasAllPermissions(ctx context.Context, user *models.User, required ...string) (bool, error) {
	perms, err := s.GetEffectivePermissions(ctx, user)
	if err != nil {
		return false, err
	}
	for _, req := range required {
		found := false
		for _, p := range perms {
			if matchPermission(p, req) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// matchPermission supports exact grants and prefix wildcards: a granted
// "catalog:*" satisfies any required "catalog:..." permission.
func matchPermission(granted, required string) bool {
	if granted == required {
		return true
	}
	if strings.HasSuffix(granted, ":*") {
		return strings.HasPrefix(required, strings.TrimSuffix(granted, "*"))
	}
	return false
}

func (s *RoleService) invalidatePermissions(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WithError(err).WithField("userId", userID).Warn("Failed to invalidate permission cache")
	}
}

// auditRole writes a role audit record asynchronously
func (s *RoleService) auditRole(userID uuid.UUID, role, action string, performedBy *uuid.UUID, metadata map[string]interface{}) {
	go func() {
		log := &models.RoleAuditLog{
			ID:          uuid.New(),
			UserID:      userID,
			Role:        role,
			Action:      action,
			PerformedBy: performedBy,
			CreatedAt:   time.Now(),
		}
		if metadata != nil {
			if data, err := json.Marshal(metadata); err == nil {
				log.Metadata = data
			}
		}
		if err := s.repo.CreateAuditLog(context.Background(), log); err != nil {
			s.logger.WithError(err).Warn("Failed to write role audit log")
		}
	}()
}
