package services

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-api/internal/models"
	"platform-api/internal/repository"
)

func newTestApplicationService(roles *fakeRoleRepo, users *fakeUserRepo) *ApplicationService {
	return NewApplicationService(roles, users, nil, nil, nil)
}

func openApplication(t *testing.T, svc *ApplicationService, userID uuid.UUID, role string) *models.RoleApplication {
	t.Helper()
	app, err := svc.Apply(context.Background(), userID, &models.ApplyRoleRequest{
		Role:           role,
		BusinessName:   "Acme Trading",
		BusinessNumber: "123-45-67890",
	})
	require.NoError(t, err)
	return app
}

// ===========================================
// Apply Tests
// ===========================================

func TestApply_UnknownRole(t *testing.T) {
	svc := newTestApplicationService(newFakeRoleRepo(), newFakeUserRepo())

	_, err := svc.Apply(context.Background(), uuid.New(), &models.ApplyRoleRequest{Role: "warlord"})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestApply_AdminRoleNotApplicable(t *testing.T) {
	svc := newTestApplicationService(newFakeRoleRepo(), newFakeUserRepo())

	// Admin roles are granted directly, never through applications.
	_, err := svc.Apply(context.Background(), uuid.New(), &models.ApplyRoleRequest{Role: models.RoleAdmin})
	assert.ErrorIs(t, err, ErrRoleNotApplicable)
}

func TestApply_DuplicatePending(t *testing.T) {
	roles := newFakeRoleRepo()
	svc := newTestApplicationService(roles, newFakeUserRepo())
	userID := uuid.New()

	openApplication(t, svc, userID, models.RoleSeller)

	_, err := svc.Apply(context.Background(), userID, &models.ApplyRoleRequest{
		Role:           models.RoleSeller,
		BusinessName:   "Acme Trading",
		BusinessNumber: "123-45-67890",
	})
	assert.ErrorIs(t, err, ErrDuplicateApplication)
}

func TestApply_SecondRoleAllowed(t *testing.T) {
	roles := newFakeRoleRepo()
	svc := newTestApplicationService(roles, newFakeUserRepo())
	userID := uuid.New()

	openApplication(t, svc, userID, models.RoleSeller)
	openApplication(t, svc, userID, models.RoleSupplier)

	apps, err := svc.ListUserApplications(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, apps, 2)
}

// ===========================================
// Approve Tests
// ===========================================

func TestApprove_GrantsRoleAndActivatesUser(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoleRepo()
	users := newFakeUserRepo()
	svc := newTestApplicationService(roles, users)

	applicant := &models.User{ID: uuid.New(), Email: "seller@example.com", Status: models.UserStatusPending}
	users.addUser(applicant)
	adminID := uuid.New()

	app := openApplication(t, svc, applicant.ID, models.RoleSeller)

	decided, err := svc.Approve(ctx, app.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusApproved, decided.Status)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, adminID, *decided.DecidedBy)

	assignment, err := roles.GetAssignment(ctx, applicant.ID, models.RoleSeller)
	require.NoError(t, err)
	assert.True(t, assignment.IsActive)

	merged := roles.merged[applicant.ID]
	assert.Equal(t, "Acme Trading", merged[0])
	assert.Equal(t, "123-45-67890", merged[1])

	activated, err := users.GetUserByID(ctx, applicant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusActive, activated.Status)
}

func TestApprove_AlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoleRepo()
	users := newFakeUserRepo()
	svc := newTestApplicationService(roles, users)

	applicant := &models.User{ID: uuid.New(), Status: models.UserStatusActive}
	users.addUser(applicant)
	app := openApplication(t, svc, applicant.ID, models.RoleSeller)

	_, err := svc.Approve(ctx, app.ID, uuid.New())
	require.NoError(t, err)

	_, err = svc.Approve(ctx, app.ID, uuid.New())
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestApprove_NotFound(t *testing.T) {
	svc := newTestApplicationService(newFakeRoleRepo(), newFakeUserRepo())

	_, err := svc.Approve(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestApprove_DoesNotTouchActiveUser(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoleRepo()
	users := newFakeUserRepo()
	svc := newTestApplicationService(roles, users)

	applicant := &models.User{ID: uuid.New(), Status: models.UserStatusInactive}
	users.addUser(applicant)
	app := openApplication(t, svc, applicant.ID, models.RoleSupplier)

	_, err := svc.Approve(ctx, app.ID, uuid.New())
	require.NoError(t, err)

	// Only pending accounts flip to active on first approval.
	after, err := users.GetUserByID(ctx, applicant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusInactive, after.Status)
}

// ===========================================
// Reject Tests
// ===========================================

func TestReject_ReasonBounds(t *testing.T) {
	roles := newFakeRoleRepo()
	users := newFakeUserRepo()
	svc := newTestApplicationService(roles, users)
	app := openApplication(t, svc, uuid.New(), models.RoleSeller)

	cases := []string{
		"",
		"too short",
		strings.Repeat("x", 501),
	}
	for _, reason := range cases {
		_, err := svc.Reject(context.Background(), app.ID, uuid.New(), reason)
		assert.ErrorIs(t, err, ErrInvalidRejectReason, "reason length %d", len(reason))
	}

	// An invalid reason must not consume the application.
	stored, err := roles.GetApplicationByID(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusPending, stored.Status)
}

func TestReject_StoresReason(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoleRepo()
	svc := newTestApplicationService(roles, newFakeUserRepo())
	app := openApplication(t, svc, uuid.New(), models.RolePartner)

	reason := "Business registration number could not be verified"
	decided, err := svc.Reject(ctx, app.ID, uuid.New(), reason)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusRejected, decided.Status)
	assert.Contains(t, string(decided.Metadata), reason)

	// No role was granted along the way.
	_, err = roles.GetAssignment(ctx, app.UserID, models.RolePartner)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReject_AlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoleRepo()
	users := newFakeUserRepo()
	svc := newTestApplicationService(roles, users)

	applicant := &models.User{ID: uuid.New(), Status: models.UserStatusActive}
	users.addUser(applicant)
	app := openApplication(t, svc, applicant.ID, models.RoleSeller)

	_, err := svc.Approve(ctx, app.ID, uuid.New())
	require.NoError(t, err)

	_, err = svc.Reject(ctx, app.ID, uuid.New(), "a perfectly valid rejection reason")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestCountPending(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoleRepo()
	users := newFakeUserRepo()
	svc := newTestApplicationService(roles, users)

	applicant := &models.User{ID: uuid.New(), Status: models.UserStatusActive}
	users.addUser(applicant)

	openApplication(t, svc, applicant.ID, models.RoleSeller)
	app := openApplication(t, svc, applicant.ID, models.RoleSupplier)

	count, err := svc.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = svc.Approve(ctx, app.ID, uuid.New())
	require.NoError(t, err)

	count, err = svc.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
