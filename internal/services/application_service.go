package services

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/cache"
	"platform-api/internal/events"
	"platform-api/internal/models"
	"platform-api/internal/repository"
)

// ApplicationService owns the role application workflow: apply, approve,
// reject. A decision is final; the pending-status guard in the repository
// turns concurrent decisions into exactly one winner.
type ApplicationService struct {
	roles     repository.RoleRepositoryInterface
	users     repository.UserRepositoryInterface
	cache     *cache.PermissionCache
	publisher *events.Publisher
	logger    *logrus.Entry
	now       func() time.Time
}

// NewApplicationService creates a new application service
func NewApplicationService(roles repository.RoleRepositoryInterface, users repository.UserRepositoryInterface, permCache *cache.PermissionCache, publisher *events.Publisher, logger *logrus.Logger) *ApplicationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ApplicationService{
		roles:     roles,
		users:     users,
		cache:     permCache,
		publisher: publisher,
		logger:    logger.WithField("component", "application-service"),
		now:       time.Now,
	}
}

// Apply opens a pending application for a business role
func (s *ApplicationService) Apply(ctx context.Context, userID uuid.UUID, req *models.ApplyRoleRequest) (*models.RoleApplication, error) {
	if !models.IsAssignableRole(req.Role) {
		return nil, ErrUnknownRole
	}
	applicable := false
	for _, r := range models.ApplicableRoles {
		if r == req.Role {
			applicable = true
			break
		}
	}
	if !applicable {
		return nil, ErrRoleNotApplicable
	}

	pending, err := s.roles.HasPendingApplication(ctx, userID, req.Role)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrDuplicateApplication
	}

	app := &models.RoleApplication{
		ID:             uuid.New(),
		UserID:         userID,
		Role:           req.Role,
		Status:         models.ApplicationStatusPending,
		BusinessName:   req.BusinessName,
		BusinessNumber: req.BusinessNumber,
		Note:           req.Note,
		AppliedAt:      s.now(),
	}
	if err := s.roles.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"applicationId": app.ID,
		"userId":        userID,
		"role":          req.Role,
	}).Info("Role application created")

	return app, nil
}

// GetApplication retrieves one application
func (s *ApplicationService) GetApplication(ctx context.Context, id uuid.UUID) (*models.RoleApplication, error) {
	return s.roles.GetApplicationByID(ctx, id)
}

// ListApplications lists applications for admin review
func (s *ApplicationService) ListApplications(ctx context.Context, status string, limit, offset int) ([]models.RoleApplication, int64, error) {
	return s.roles.ListApplications(ctx, status, limit, offset)
}

// ListUserApplications lists the caller's own applications
func (s *ApplicationService) ListUserApplications(ctx context.Context, userID uuid.UUID) ([]models.RoleApplication, error) {
	return s.roles.ListApplicationsByUser(ctx, userID)
}

// CountPending returns the number of undecided applications
func (s *ApplicationService) CountPending(ctx context.Context) (int64, error) {
	return s.roles.CountPendingApplications(ctx)
}

// Approve moves a pending application to approved. In one transaction it
// stamps the decision, grants the role and merges the application's business
// fields onto the user. A lost race on the status guard surfaces as
// ErrAlreadyProcessed.
func (s *ApplicationService) Approve(ctx context.Context, id uuid.UUID, decidedBy uuid.UUID) (*models.RoleApplication, error) {
	app, err := s.roles.GetApplicationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status != models.ApplicationStatusPending {
		return nil, ErrAlreadyProcessed
	}

	now := s.now()
	err = s.roles.WithTransaction(ctx, func(txRepo repository.RoleRepositoryInterface) error {
		decided, err := txRepo.DecideApplication(ctx, id, models.ApplicationStatusApproved, decidedBy, now, nil)
		if err != nil {
			return err
		}
		if !decided {
			return ErrAlreadyProcessed
		}

		assignment := &models.RoleAssignment{
			ID:         uuid.New(),
			UserID:     app.UserID,
			Role:       app.Role,
			IsActive:   true,
			ValidFrom:  now,
			AssignedAt: now,
			AssignedBy: &decidedBy,
		}
		if err := txRepo.UpsertAssignment(ctx, assignment); err != nil {
			return err
		}

		if err := txRepo.MergeBusinessInfo(ctx, app.UserID, app.BusinessName, app.BusinessNumber); err != nil {
			return err
		}

		return txRepo.CreateAuditLog(ctx, &models.RoleAuditLog{
			ID:          uuid.New(),
			UserID:      app.UserID,
			Role:        app.Role,
			Action:      "application_approved",
			PerformedBy: &decidedBy,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	app.Status = models.ApplicationStatusApproved
	app.DecidedAt = &now
	app.DecidedBy = &decidedBy

	// Post-commit side effects. The decision already stands; failures here
	// are logged, not rolled back.
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, app.UserID); err != nil {
			s.logger.WithError(err).Warn("Failed to invalidate permission cache after approval")
		}
	}
	s.activateUser(ctx, app.UserID)
	if s.publisher != nil {
		s.publisher.PublishApplicationApproved(ctx, app, decidedBy)
	}

	s.logger.WithFields(logrus.Fields{
		"applicationId": app.ID,
		"userId":        app.UserID,
		"role":          app.Role,
		"decidedBy":     decidedBy,
	}).Info("Role application approved")

	return app, nil
}

// Reject moves a pending application to rejected. The reason is mandatory,
// bounded to 10-500 characters and validated before any state change; it is
// stored in the application metadata for the applicant to read.
func (s *ApplicationService) Reject(ctx context.Context, id uuid.UUID, decidedBy uuid.UUID, reason string) (*models.RoleApplication, error) {
	if n := utf8.RuneCountInString(reason); n < models.RejectReasonMinLen || n > models.RejectReasonMaxLen {
		return nil, ErrInvalidRejectReason
	}

	app, err := s.roles.GetApplicationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status != models.ApplicationStatusPending {
		return nil, ErrAlreadyProcessed
	}

	now := s.now()
	metadata, _ := json.Marshal(map[string]string{"rejectReason": reason})

	err = s.roles.WithTransaction(ctx, func(txRepo repository.RoleRepositoryInterface) error {
		decided, err := txRepo.DecideApplication(ctx, id, models.ApplicationStatusRejected, decidedBy, now, metadata)
		if err != nil {
			return err
		}
		if !decided {
			return ErrAlreadyProcessed
		}

		return txRepo.CreateAuditLog(ctx, &models.RoleAuditLog{
			ID:          uuid.New(),
			UserID:      app.UserID,
			Role:        app.Role,
			Action:      "application_rejected",
			PerformedBy: &decidedBy,
			Metadata:    metadata,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	app.Status = models.ApplicationStatusRejected
	app.DecidedAt = &now
	app.DecidedBy = &decidedBy
	app.Metadata = metadata

	if s.publisher != nil {
		s.publisher.PublishApplicationRejected(ctx, app, decidedBy, reason)
	}

	s.logger.WithFields(logrus.Fields{
		"applicationId": app.ID,
		"userId":        app.UserID,
		"role":          app.Role,
		"decidedBy":     decidedBy,
	}).Info("Role application rejected")

	return app, nil
}

// activateUser flips a pending account to active after its first approval
func (s *ApplicationService) activateUser(ctx context.Context, userID uuid.UUID) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithField("userId", userID).Warn("Failed to load user after approval")
		return
	}
	if user.Status != models.UserStatusPending {
		return
	}
	if err := s.users.UpdateUserStatus(ctx, userID, models.UserStatusActive); err != nil {
		s.logger.WithError(err).WithField("userId", userID).Error("Failed to activate user after approval")
	}
}
