package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"platform-api/internal/models"
	"platform-api/internal/repository"
)

// fakeRoleRepo is an in-memory RoleRepositoryInterface. Assignments are keyed
// by (user, role) to mirror the unique index.
type fakeRoleRepo struct {
	mu           sync.Mutex
	assignments  map[string]*models.RoleAssignment
	applications map[uuid.UUID]*models.RoleApplication
	merged       map[uuid.UUID][2]string
	auditLogs    []*models.RoleAuditLog
}

var _ repository.RoleRepositoryInterface = (*fakeRoleRepo)(nil)

func newFakeRoleRepo() *fakeRoleRepo {
	return &fakeRoleRepo{
		assignments:  make(map[string]*models.RoleAssignment),
		applications: make(map[uuid.UUID]*models.RoleApplication),
		merged:       make(map[uuid.UUID][2]string),
	}
}

func assignmentKey(userID uuid.UUID, role string) string {
	return userID.String() + "/" + role
}

func (f *fakeRoleRepo) GetAssignments(ctx context.Context, userID uuid.UUID) ([]models.RoleAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RoleAssignment
	for _, a := range f.assignments {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeRoleRepo) GetAssignment(ctx context.Context, userID uuid.UUID, role string) (*models.RoleAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[assignmentKey(userID, role)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeRoleRepo) UpsertAssignment(ctx context.Context, assignment *models.RoleAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := assignmentKey(assignment.UserID, assignment.Role)
	if existing, ok := f.assignments[key]; ok {
		// Conflict path: the existing row is updated in place.
		assignment.ID = existing.ID
	}
	copied := *assignment
	f.assignments[key] = &copied
	return nil
}

func (f *fakeRoleRepo) DeactivateAssignment(ctx context.Context, userID uuid.UUID, role string, revokedBy *uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[assignmentKey(userID, role)]
	if !ok || !a.IsActive {
		return false, nil
	}
	a.IsActive = false
	a.RevokedAt = &at
	a.RevokedBy = revokedBy
	return true, nil
}

func (f *fakeRoleRepo) DeactivateAllAssignments(ctx context.Context, userID uuid.UUID, revokedBy *uuid.UUID, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, a := range f.assignments {
		if a.UserID == userID && a.IsActive {
			a.IsActive = false
			a.RevokedAt = &at
			a.RevokedBy = revokedBy
			count++
		}
	}
	return count, nil
}

func (f *fakeRoleRepo) CreateApplication(ctx context.Context, app *models.RoleApplication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *app
	f.applications[app.ID] = &copied
	return nil
}

func (f *fakeRoleRepo) GetApplicationByID(ctx context.Context, id uuid.UUID) (*models.RoleApplication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.applications[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *app
	return &copied, nil
}

func (f *fakeRoleRepo) HasPendingApplication(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range f.applications {
		if app.UserID == userID && app.Role == role && app.Status == models.ApplicationStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRoleRepo) ListApplications(ctx context.Context, status string, limit, offset int) ([]models.RoleApplication, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RoleApplication
	for _, app := range f.applications {
		if status == "" || app.Status == status {
			out = append(out, *app)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeRoleRepo) ListApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]models.RoleApplication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RoleApplication
	for _, app := range f.applications {
		if app.UserID == userID {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (f *fakeRoleRepo) DecideApplication(ctx context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time, metadata datatypes.JSON) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.applications[id]
	if !ok || app.Status != models.ApplicationStatusPending {
		return false, nil
	}
	app.Status = status
	app.DecidedBy = &decidedBy
	app.DecidedAt = &decidedAt
	if metadata != nil {
		app.Metadata = metadata
	}
	return true, nil
}

func (f *fakeRoleRepo) CountPendingApplications(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, app := range f.applications {
		if app.Status == models.ApplicationStatusPending {
			count++
		}
	}
	return count, nil
}

func (f *fakeRoleRepo) MergeBusinessInfo(ctx context.Context, userID uuid.UUID, businessName, businessNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged[userID] = [2]string{businessName, businessNumber}
	return nil
}

func (f *fakeRoleRepo) CreateAuditLog(ctx context.Context, log *models.RoleAuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogs = append(f.auditLogs, log)
	return nil
}

func (f *fakeRoleRepo) WithTransaction(ctx context.Context, fn func(txRepo repository.RoleRepositoryInterface) error) error {
	return fn(f)
}

func (f *fakeRoleRepo) activeAssignmentCount(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, a := range f.assignments {
		if a.UserID == userID && a.IsActive {
			count++
		}
	}
	return count
}

// ===========================================
// Assignment Tests
// ===========================================

func TestAssignRole_UnknownRole(t *testing.T) {
	svc := NewRoleService(newFakeRoleRepo(), nil, nil, nil)

	_, err := svc.AssignRole(context.Background(), uuid.New(), "warlord", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestAssignRole_IdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRoleRepo()
	svc := NewRoleService(repo, nil, nil, nil)
	userID := uuid.New()

	first, err := svc.AssignRole(ctx, userID, models.RoleSeller, nil, nil)
	require.NoError(t, err)

	second, err := svc.AssignRole(ctx, userID, models.RoleSeller, nil, nil)
	require.NoError(t, err)

	// Granting the same role twice lands on the same row.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, repo.activeAssignmentCount(userID))

	roles, err := svc.GetActiveRoles(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleSeller}, roles)
}

func TestAssignRole_ReactivatesRevokedRole(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRoleRepo()
	svc := NewRoleService(repo, nil, nil, nil)
	userID := uuid.New()

	_, err := svc.AssignRole(ctx, userID, models.RolePartner, nil, nil)
	require.NoError(t, err)

	revoked, err := svc.RevokeRole(ctx, userID, models.RolePartner, nil)
	require.NoError(t, err)
	require.True(t, revoked)
	assert.Equal(t, 0, repo.activeAssignmentCount(userID))

	_, err = svc.AssignRole(ctx, userID, models.RolePartner, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.activeAssignmentCount(userID))
}

func TestRevokeRole_NotHeld(t *testing.T) {
	svc := NewRoleService(newFakeRoleRepo(), nil, nil, nil)

	revoked, err := svc.RevokeRole(context.Background(), uuid.New(), models.RoleSeller, nil)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestGetActiveRoles_ValidityWindow(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRoleRepo()
	svc := NewRoleService(repo, nil, nil, nil)
	userID := uuid.New()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, repo.UpsertAssignment(ctx, &models.RoleAssignment{
		ID: uuid.New(), UserID: userID, Role: models.RoleSeller,
		IsActive: true, ValidFrom: past.Add(-time.Hour), ValidUntil: &past,
	}))
	require.NoError(t, repo.UpsertAssignment(ctx, &models.RoleAssignment{
		ID: uuid.New(), UserID: userID, Role: models.RolePartner,
		IsActive: true, ValidFrom: past,
	}))
	require.NoError(t, repo.UpsertAssignment(ctx, &models.RoleAssignment{
		ID: uuid.New(), UserID: userID, Role: models.RoleSupplier,
		IsActive: false, ValidFrom: past,
	}))

	roles, err := svc.GetActiveRoles(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.RolePartner}, roles)
}

func TestHasAllRoles(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRoleRepo()
	svc := NewRoleService(repo, nil, nil, nil)
	userID := uuid.New()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, repo.UpsertAssignment(ctx, &models.RoleAssignment{
		ID: uuid.New(), UserID: userID, Role: models.RoleSeller,
		IsActive: true, ValidFrom: past,
	}))
	require.NoError(t, repo.UpsertAssignment(ctx, &models.RoleAssignment{
		ID: uuid.New(), UserID: userID, Role: models.RoleSupplier,
		IsActive: true, ValidFrom: past,
	}))
	// Expired partner assignment must not count as held.
	require.NoError(t, repo.UpsertAssignment(ctx, &models.RoleAssignment{
		ID: uuid.New(), UserID: userID, Role: models.RolePartner,
		IsActive: true, ValidFrom: past.Add(-time.Hour), ValidUntil: &past,
	}))

	has, err := svc.HasAllRoles(ctx, userID, models.RoleSeller, models.RoleSupplier)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = svc.HasAllRoles(ctx, userID, models.RoleSeller, models.RolePartner)
	require.NoError(t, err)
	assert.False(t, has)

	has, err = svc.HasAllRoles(ctx, userID)
	require.NoError(t, err)
	assert.True(t, has)
}

// ===========================================
// Permission Tests
// ===========================================

func TestGetEffectivePermissions_SellerRole(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRoleRepo()
	svc := NewRoleService(repo, nil, nil, nil)

	user := &models.User{ID: uuid.New(), Status: models.UserStatusActive}
	_, err := svc.AssignRole(ctx, user.ID, models.RoleSeller, nil, nil)
	require.NoError(t, err)

	perms, err := svc.GetEffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Contains(t, perms, "catalog:products:write")
	assert.Contains(t, perms, "ai:generate")
	assert.NotContains(t, perms, "ai:admin")
	assert.IsNonDecreasing(t, perms)
}

func TestGetEffectivePermissions_AdminSet(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRoleRepo()
	svc := NewRoleService(repo, nil, nil, nil)

	user := &models.User{ID: uuid.New(), Status: models.UserStatusActive}
	_, err := svc.AssignRole(ctx, user.ID, models.RoleAdmin, nil, nil)
	require.NoError(t, err)

	perms, err := svc.GetEffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Contains(t, perms, "platform:applications:decide")
	assert.Contains(t, perms, "ai:admin")
}

func TestGetEffectivePermissions_UnionWithDirect(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRoleRepo()
	svc := NewRoleService(repo, nil, nil, nil)

	user := &models.User{
		ID:          uuid.New(),
		Status:      models.UserStatusActive,
		Permissions: []string{"reports:export"},
	}
	_, err := svc.AssignRole(ctx, user.ID, models.RoleSupplier, nil, nil)
	require.NoError(t, err)

	perms, err := svc.GetEffectivePermissions(ctx, user)
	require.NoError(t, err)
	assert.Contains(t, perms, "reports:export")
	assert.Contains(t, perms, "inventory:write")
}

func TestHasPermission_DirectGrantShortCircuits(t *testing.T) {
	svc := NewRoleService(newFakeRoleRepo(), nil, nil, nil)
	user := &models.User{
		ID:          uuid.New(),
		Permissions: []string{"catalog:*"},
	}

	has, err := svc.HasPermission(context.Background(), user, "catalog:products:read")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMatchPermission(t *testing.T) {
	cases := []struct {
		granted  string
		required string
		want     bool
	}{
		{"orders:read", "orders:read", true},
		{"orders:read", "orders:write", false},
		{"orders:*", "orders:read", true},
		{"orders:*", "orders:refunds:create", true},
		{"orders:*", "ordersx:read", false},
		{"*", "anything", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPermission(tc.granted, tc.required),
			"granted=%s required=%s", tc.granted, tc.required)
	}
}
