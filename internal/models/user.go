package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// User account statuses
const (
	UserStatusPending  = "pending"
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
	UserStatusDeleted  = "deleted"
)

// User represents a platform account (seller, partner, supplier or platform staff)
type User struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	Name         string    `json:"name" gorm:"not null"`
	Phone        *string   `json:"phone,omitempty"`
	Status       string    `json:"status" gorm:"not null;default:'pending';index"`

	// Direct permissions granted to the principal itself, checked before any
	// role-derived permissions.
	Permissions pq.StringArray `json:"permissions,omitempty" gorm:"type:text[]"`

	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	// Relationships
	BusinessInfo *BusinessInfo `json:"businessInfo,omitempty" gorm:"foreignKey:UserID"`
}

func (User) TableName() string {
	return "users"
}

// IsActive reports whether the account may authenticate.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// BusinessInfo holds the registered business details attached to a user.
// Approving a role application merges the application's business fields
// into this record.
type BusinessInfo struct {
	ID                 uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID             uuid.UUID `json:"userId" gorm:"type:uuid;uniqueIndex;not null"`
	BusinessName       string    `json:"businessName"`
	BusinessNumber     string    `json:"businessNumber"`
	RepresentativeName string    `json:"representativeName"`
	BusinessPhone      string    `json:"businessPhone"`
	BusinessAddress    string    `json:"businessAddress"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func (BusinessInfo) TableName() string {
	return "business_infos"
}

// RefreshToken is the persisted record for one refresh JWT. The JWT carries
// the record ID as jti; only issuance metadata lives here, never the token
// itself. Presenting a revoked token is treated as replay and revokes the
// whole family.
type RefreshToken struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	UserID    uuid.UUID  `json:"userId" gorm:"type:uuid;index;not null"`
	Family    uuid.UUID  `json:"family" gorm:"type:uuid;index;not null"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt time.Time  `json:"expiresAt" gorm:"index;not null"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	UserAgent *string    `json:"userAgent,omitempty"`
	IPAddress *string    `json:"ipAddress,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// Auth audit actions
const (
	AuditLoginSuccess     = "login_success"
	AuditLoginFailed      = "login_failed"
	AuditRegister         = "register"
	AuditRefreshRotated   = "refresh_rotated"
	AuditRefreshFailed    = "refresh_failed"
	AuditTokenReplay      = "token_family_revoked"
	AuditLogout           = "logout"
	AuditLogoutAll        = "logout_all"
	AuditLegacyRoleDenied = "legacy_role_denied"
)

// AuthAudit records authentication events and denied legacy-role access.
type AuthAudit struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID    *uuid.UUID `json:"userId,omitempty" gorm:"type:uuid;index"`
	Email     *string    `json:"email,omitempty"`
	Action    string     `json:"action" gorm:"not null;index"`
	Detail    *string    `json:"detail,omitempty"`
	IPAddress *string    `json:"ipAddress,omitempty"`
	UserAgent *string    `json:"userAgent,omitempty"`
	CreatedAt time.Time  `json:"createdAt" gorm:"index"`
}

func (AuthAudit) TableName() string {
	return "auth_audits"
}
