package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ============================================================================
// ROLES
// ============================================================================

// Prefixed role names. The platform:* prefix separates platform staff roles
// from the legacy unprefixed names that older tokens may still carry.
const (
	RoleSeller     = "seller"
	RolePartner    = "partner"
	RoleSupplier   = "supplier"
	RoleAdmin      = "platform:admin"
	RoleSuperAdmin = "platform:super_admin"
)

// LegacyAdminRoles are the unprefixed names that pre-migration accounts used.
// They never grant admin access; seeing one on an admin route is denied and
// audited so stale assignments surface in monitoring.
var LegacyAdminRoles = []string{"admin", "super_admin", "operator"}

// AssignableRoles are the roles a user can hold through an assignment.
var AssignableRoles = []string{RoleSeller, RolePartner, RoleSupplier, RoleAdmin, RoleSuperAdmin}

// ApplicableRoles are the roles a user may apply for; admin roles are granted
// directly by a super admin, never through the application workflow.
var ApplicableRoles = []string{RoleSeller, RolePartner, RoleSupplier}

// IsAssignableRole reports whether name is a known prefixed role.
func IsAssignableRole(name string) bool {
	for _, r := range AssignableRoles {
		if r == name {
			return true
		}
	}
	return false
}

// IsLegacyAdminRole reports whether name is a pre-migration admin role.
func IsLegacyAdminRole(name string) bool {
	for _, r := range LegacyAdminRoles {
		if r == name {
			return true
		}
	}
	return false
}

// ============================================================================
// ROLE ASSIGNMENTS
// ============================================================================

// RoleAssignment binds a role to a user. There is one row per (user, role)
// pair; granting an already-known role reactivates the existing row instead
// of inserting a new one, so the table never holds two active rows for the
// same pair. Removal deactivates, it never deletes.
type RoleAssignment struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID     uuid.UUID  `json:"userId" gorm:"type:uuid;not null;uniqueIndex:idx_role_assignments_user_role"`
	Role       string     `json:"role" gorm:"not null;uniqueIndex:idx_role_assignments_user_role"`
	IsActive   bool       `json:"isActive" gorm:"default:true;index"`
	ValidFrom  time.Time  `json:"validFrom" gorm:"not null"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
	AssignedAt time.Time  `json:"assignedAt" gorm:"not null"`
	AssignedBy *uuid.UUID `json:"assignedBy,omitempty" gorm:"type:uuid"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	RevokedBy  *uuid.UUID `json:"revokedBy,omitempty" gorm:"type:uuid"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (RoleAssignment) TableName() string {
	return "role_assignments"
}

// IsValidAt reports whether the assignment grants the role at instant t.
// An inactive row grants nothing regardless of its validity window.
func (a *RoleAssignment) IsValidAt(t time.Time) bool {
	if !a.IsActive {
		return false
	}
	if t.Before(a.ValidFrom) {
		return false
	}
	if a.ValidUntil != nil && !t.Before(*a.ValidUntil) {
		return false
	}
	return true
}

// ============================================================================
// ROLE APPLICATIONS
// ============================================================================

// Role application statuses
const (
	ApplicationStatusPending  = "pending"
	ApplicationStatusApproved = "approved"
	ApplicationStatusRejected = "rejected"
)

// Rejection reason length bounds, enforced before any state change.
const (
	RejectReasonMinLen = 10
	RejectReasonMaxLen = 500
)

// RoleApplication is a user's request to obtain a business role. It moves
// from pending to exactly one of approved or rejected; the decision is final.
type RoleApplication struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID         uuid.UUID      `json:"userId" gorm:"type:uuid;not null;index"`
	Role           string         `json:"role" gorm:"not null;index"`
	Status         string         `json:"status" gorm:"not null;default:'pending';index"`
	BusinessName   string         `json:"businessName"`
	BusinessNumber string         `json:"businessNumber"`
	Note           *string        `json:"note,omitempty"`
	Metadata       datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`
	AppliedAt      time.Time      `json:"appliedAt" gorm:"not null"`
	DecidedAt      *time.Time     `json:"decidedAt,omitempty"`
	DecidedBy      *uuid.UUID     `json:"decidedBy,omitempty" gorm:"type:uuid"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`

	// Relationships
	User *User `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

func (RoleApplication) TableName() string {
	return "role_applications"
}

// RoleAuditLog records role grants, revocations and application decisions.
type RoleAuditLog struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID      uuid.UUID      `json:"userId" gorm:"type:uuid;not null;index"`
	Role        string         `json:"role" gorm:"not null"`
	Action      string         `json:"action" gorm:"not null"` // granted, revoked, application_approved, application_rejected
	PerformedBy *uuid.UUID     `json:"performedBy,omitempty" gorm:"type:uuid"`
	Metadata    datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt   time.Time      `json:"createdAt" gorm:"index"`
}

func (RoleAuditLog) TableName() string {
	return "role_audit_logs"
}
