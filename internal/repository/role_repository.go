package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"platform-api/internal/models"
)

// RoleRepositoryInterface defines role-assignment and role-application
// persistence. Assignment rows are only ever written through this interface.
type RoleRepositoryInterface interface {
	GetAssignments(ctx context.Context, userID uuid.UUID) ([]models.RoleAssignment, error)
	GetAssignment(ctx context.Context, userID uuid.UUID, role string) (*models.RoleAssignment, error)
	UpsertAssignment(ctx context.Context, assignment *models.RoleAssignment) error
	DeactivateAssignment(ctx context.Context, userID uuid.UUID, role string, revokedBy *uuid.UUID, at time.Time) (bool, error)
	DeactivateAllAssignments(ctx context.Context, userID uuid.UUID, revokedBy *uuid.UUID, at time.Time) (int64, error)

	CreateApplication(ctx context.Context, app *models.RoleApplication) error
	GetApplicationByID(ctx context.Context, id uuid.UUID) (*models.RoleApplication, error)
	HasPendingApplication(ctx context.Context, userID uuid.UUID, role string) (bool, error)
	ListApplications(ctx context.Context, status string, limit, offset int) ([]models.RoleApplication, int64, error)
	ListApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]models.RoleApplication, error)
	DecideApplication(ctx context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time, metadata datatypes.JSON) (bool, error)
	CountPendingApplications(ctx context.Context) (int64, error)

	MergeBusinessInfo(ctx context.Context, userID uuid.UUID, businessName, businessNumber string) error
	CreateAuditLog(ctx context.Context, log *models.RoleAuditLog) error

	WithTransaction(ctx context.Context, fn func(txRepo RoleRepositoryInterface) error) error
}

// RoleRepository implements RoleRepositoryInterface on gorm/postgres.
type RoleRepository struct {
	db *gorm.DB
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *gorm.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

var _ RoleRepositoryInterface = (*RoleRepository)(nil)

// WithTransaction runs fn inside a database transaction, giving it a
// repository bound to the transaction.
func (r *RoleRepository) WithTransaction(ctx context.Context, fn func(txRepo RoleRepositoryInterface) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&RoleRepository{db: tx})
	})
}

// GetAssignments returns all assignment rows for a user, active or not
func (r *RoleRepository) GetAssignments(ctx context.Context, userID uuid.UUID) ([]models.RoleAssignment, error) {
	var assignments []models.RoleAssignment
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("assigned_at DESC").
		Find(&assignments).Error
	return assignments, err
}

// GetAssignment returns the single row for a (user, role) pair
func (r *RoleRepository) GetAssignment(ctx context.Context, userID uuid.UUID, role string) (*models.RoleAssignment, error) {
	var assignment models.RoleAssignment
	err := r.db.WithContext(ctx).
		First(&assignment, "user_id = ? AND role = ?", userID, role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// UpsertAssignment inserts the (user, role) row or reactivates the existing
// one in place. The unique index on (user_id, role) makes the grant
// idempotent under concurrency: both racers land on the same row. The passed
// struct is refreshed from the table so the caller always sees the row that
// actually exists, with its original id and created_at on the conflict path.
func (r *RoleRepository) UpsertAssignment(ctx context.Context, assignment *models.RoleAssignment) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "role"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"is_active", "valid_from", "valid_until",
			"assigned_at", "assigned_by", "revoked_at", "revoked_by", "updated_at",
		}),
	}).Create(assignment).Error
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		First(assignment, "user_id = ? AND role = ?", assignment.UserID, assignment.Role).Error
}

// DeactivateAssignment soft-revokes a role. Returns false when there was no
// active row to revoke.
func (r *RoleRepository) DeactivateAssignment(ctx context.Context, userID uuid.UUID, role string, revokedBy *uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.RoleAssignment{}).
		Where("user_id = ? AND role = ? AND is_active = ?", userID, role, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"revoked_at": at,
			"revoked_by": revokedBy,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeactivateAllAssignments soft-revokes every active role for a user
func (r *RoleRepository) DeactivateAllAssignments(ctx context.Context, userID uuid.UUID, revokedBy *uuid.UUID, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.RoleAssignment{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"revoked_at": at,
			"revoked_by": revokedBy,
		})
	return result.RowsAffected, result.Error
}

// CreateApplication opens a new role application
func (r *RoleRepository) CreateApplication(ctx context.Context, app *models.RoleApplication) error {
	return r.db.WithContext(ctx).Create(app).Error
}

// GetApplicationByID retrieves an application with its applicant
func (r *RoleRepository) GetApplicationByID(ctx context.Context, id uuid.UUID) (*models.RoleApplication, error) {
	var app models.RoleApplication
	err := r.db.WithContext(ctx).
		Preload("User").
		First(&app, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// HasPendingApplication reports whether the user already has an undecided
// application for the role
func (r *RoleRepository) HasPendingApplication(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.RoleApplication{}).
		Where("user_id = ? AND role = ? AND status = ?", userID, role, models.ApplicationStatusPending).
		Count(&count).Error
	return count > 0, err
}

// ListApplications returns applications filtered by status (empty = all),
// newest first, with the total count for pagination
func (r *RoleRepository) ListApplications(ctx context.Context, status string, limit, offset int) ([]models.RoleApplication, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.RoleApplication{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var apps []models.RoleApplication
	err := query.
		Preload("User").
		Order("applied_at DESC").
		Limit(limit).Offset(offset).
		Find(&apps).Error
	return apps, total, err
}

// ListApplicationsByUser returns a user's applications, newest first
func (r *RoleRepository) ListApplicationsByUser(ctx context.Context, userID uuid.UUID) ([]models.RoleApplication, error) {
	var apps []models.RoleApplication
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("applied_at DESC").
		Find(&apps).Error
	return apps, err
}

// DecideApplication moves a pending application to its final status. The
// WHERE status = 'pending' guard makes the decision first-writer-wins: a
// second decision sees zero rows affected and reports false.
func (r *RoleRepository) DecideApplication(ctx context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time, metadata datatypes.JSON) (bool, error) {
	updates := map[string]interface{}{
		"status":     status,
		"decided_by": decidedBy,
		"decided_at": decidedAt,
	}
	if metadata != nil {
		updates["metadata"] = metadata
	}

	result := r.db.WithContext(ctx).Model(&models.RoleApplication{}).
		Where("id = ? AND status = ?", id, models.ApplicationStatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountPendingApplications returns the number of undecided applications
func (r *RoleRepository) CountPendingApplications(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.RoleApplication{}).
		Where("status = ?", models.ApplicationStatusPending).
		Count(&count).Error
	return count, err
}

// MergeBusinessInfo copies approved application business fields onto the
// user's business record, creating it when absent
func (r *RoleRepository) MergeBusinessInfo(ctx context.Context, userID uuid.UUID, businessName, businessNumber string) error {
	now := time.Now()
	info := &models.BusinessInfo{
		ID:             uuid.New(),
		UserID:         userID,
		BusinessName:   businessName,
		BusinessNumber: businessNumber,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"business_name", "business_number", "updated_at",
		}),
	}).Create(info).Error
}

// CreateAuditLog writes a role audit record
func (r *RoleRepository) CreateAuditLog(ctx context.Context, log *models.RoleAuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}
