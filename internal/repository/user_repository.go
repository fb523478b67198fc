package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"platform-api/internal/models"
)

// UserRepositoryInterface defines user, business-info, refresh-token and
// auth-audit persistence.
type UserRepositoryInterface interface {
	RegisterUser(ctx context.Context, user *models.User, info *models.BusinessInfo, assignment *models.RoleAssignment) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserStatus(ctx context.Context, id uuid.UUID, status string) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	UpsertBusinessInfo(ctx context.Context, info *models.BusinessInfo) error

	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	GetRefreshToken(ctx context.Context, id uuid.UUID) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id uuid.UUID, at time.Time) error
	RevokeTokenFamily(ctx context.Context, family uuid.UUID, at time.Time) (int64, error)
	RevokeUserTokens(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)

	CreateAuthAudit(ctx context.Context, audit *models.AuthAudit) error
	DeleteAuthAuditsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserRepository implements UserRepositoryInterface on gorm/postgres.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

var _ UserRepositoryInterface = (*UserRepository)(nil)

// RegisterUser creates the user, its business info and the initial role
// assignment atomically. A failure on any row leaves no partial account.
func (r *UserRepository) RegisterUser(ctx context.Context, user *models.User, info *models.BusinessInfo, assignment *models.RoleAssignment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		if info != nil {
			info.UserID = user.ID
			if err := tx.Create(info).Error; err != nil {
				return err
			}
		}
		if assignment != nil {
			assignment.UserID = user.ID
			if err := tx.Create(assignment).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetUserByID retrieves a user with its business info
func (r *UserRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Preload("BusinessInfo").
		First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by email
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Preload("BusinessInfo").
		First(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserStatus sets the account status
func (r *UserRepository) UpdateUserStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastLogin stamps the last successful login time
func (r *UserRepository) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("last_login_at", at).Error
}

// UpsertBusinessInfo creates or updates the business record for a user
func (r *UserRepository) UpsertBusinessInfo(ctx context.Context, info *models.BusinessInfo) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"business_name", "business_number", "representative_name",
			"business_phone", "business_address", "updated_at",
		}),
	}).Create(info).Error
}

// CreateRefreshToken persists the record for a newly issued refresh token
func (r *UserRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

// GetRefreshToken retrieves a refresh token record by its jti
func (r *UserRepository) GetRefreshToken(ctx context.Context, id uuid.UUID) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := r.db.WithContext(ctx).First(&token, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// RevokeRefreshToken marks a single token as revoked
func (r *UserRepository) RevokeRefreshToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at).Error
}

// RevokeTokenFamily revokes every live token in a rotation family. Used when
// a rotated-out token is replayed.
func (r *UserRepository) RevokeTokenFamily(ctx context.Context, family uuid.UUID, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("family = ? AND revoked_at IS NULL", family).
		Update("revoked_at", at)
	return result.RowsAffected, result.Error
}

// RevokeUserTokens revokes every live token for a user (logout-all)
func (r *UserRepository) RevokeUserTokens(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", at)
	return result.RowsAffected, result.Error
}

// DeleteExpiredRefreshTokens removes tokens that expired before the cutoff
func (r *UserRepository) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.RefreshToken{})
	return result.RowsAffected, result.Error
}

// CreateAuthAudit writes an auth audit record
func (r *UserRepository) CreateAuthAudit(ctx context.Context, audit *models.AuthAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

// DeleteAuthAuditsBefore prunes audit records older than the cutoff
func (r *UserRepository) DeleteAuthAuditsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AuthAudit{})
	return result.RowsAffected, result.Error
}
