package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"platform-api/internal/models"
)

// Event subjects consumed by downstream workers (notifications, analytics).
const (
	SubjectUserRegistered     = "platform.users.registered"
	SubjectRoleApproved       = "platform.roles.application_approved"
	SubjectRoleRejected       = "platform.roles.application_rejected"
	SubjectRoleGranted        = "platform.roles.granted"
	SubjectRoleRevoked        = "platform.roles.revoked"
	SubjectAIJobDeadLettered  = "platform.ai.job_dead_lettered"
	SubjectTokenFamilyRevoked = "platform.auth.token_family_revoked"
)

// Publisher publishes domain events to NATS. Publishing is fire-and-forget:
// side-effect delivery must never fail the request that triggered it.
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NewPublisher connects to NATS. A nil publisher is returned on connect
// failure so callers can run without eventing.
func NewPublisher(url string, logger *logrus.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		conn:   conn,
		logger: logger.WithField("component", "events"),
	}, nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

type envelope struct {
	EventID   string      `json:"eventId"`
	Subject   string      `json:"subject"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PublishUserRegistered announces a new pending account
func (p *Publisher) PublishUserRegistered(ctx context.Context, user *models.User, role string) {
	p.publish(SubjectUserRegistered, map[string]interface{}{
		"userId": user.ID.String(),
		"email":  user.Email,
		"role":   role,
		"status": user.Status,
	})
}

// PublishApplicationApproved announces an approved role application
func (p *Publisher) PublishApplicationApproved(ctx context.Context, app *models.RoleApplication, decidedBy uuid.UUID) {
	p.publish(SubjectRoleApproved, map[string]interface{}{
		"applicationId": app.ID.String(),
		"userId":        app.UserID.String(),
		"role":          app.Role,
		"decidedBy":     decidedBy.String(),
	})
}

// PublishApplicationRejected announces a rejected role application
func (p *Publisher) PublishApplicationRejected(ctx context.Context, app *models.RoleApplication, decidedBy uuid.UUID, reason string) {
	p.publish(SubjectRoleRejected, map[string]interface{}{
		"applicationId": app.ID.String(),
		"userId":        app.UserID.String(),
		"role":          app.Role,
		"decidedBy":     decidedBy.String(),
		"reason":        reason,
	})
}

// PublishRoleGranted announces a direct role grant
func (p *Publisher) PublishRoleGranted(ctx context.Context, userID uuid.UUID, role string, grantedBy *uuid.UUID) {
	data := map[string]interface{}{
		"userId": userID.String(),
		"role":   role,
	}
	if grantedBy != nil {
		data["grantedBy"] = grantedBy.String()
	}
	p.publish(SubjectRoleGranted, data)
}

// PublishRoleRevoked announces a role revocation
func (p *Publisher) PublishRoleRevoked(ctx context.Context, userID uuid.UUID, role string, revokedBy *uuid.UUID) {
	data := map[string]interface{}{
		"userId": userID.String(),
		"role":   role,
	}
	if revokedBy != nil {
		data["revokedBy"] = revokedBy.String()
	}
	p.publish(SubjectRoleRevoked, data)
}

// PublishJobDeadLettered announces a job landing in the DLQ
func (p *Publisher) PublishJobDeadLettered(ctx context.Context, entry *models.AIDLQEntry) {
	p.publish(SubjectAIJobDeadLettered, map[string]interface{}{
		"dlqJobId":  entry.ID.String(),
		"jobId":     entry.JobID.String(),
		"userId":    entry.UserID.String(),
		"provider":  entry.Provider,
		"errorType": entry.ErrorType,
	})
}

// PublishTokenFamilyRevoked announces a refresh-token replay detection
func (p *Publisher) PublishTokenFamilyRevoked(ctx context.Context, userID, family uuid.UUID) {
	p.publish(SubjectTokenFamilyRevoked, map[string]interface{}{
		"userId": userID.String(),
		"family": family.String(),
	})
}

// publish serializes and sends the event asynchronously with logging
func (p *Publisher) publish(subject string, data interface{}) {
	if p == nil || p.conn == nil {
		return
	}

	go func() {
		event := envelope{
			EventID:   uuid.New().String(),
			Subject:   subject,
			Timestamp: time.Now().UTC(),
			Data:      data,
		}

		payload, err := json.Marshal(event)
		if err != nil {
			p.logger.WithField("subject", subject).WithError(err).Error("Failed to marshal event")
			return
		}

		if err := p.conn.Publish(subject, payload); err != nil {
			p.logger.WithField("subject", subject).WithError(err).Error("Failed to publish event")
			return
		}
		p.logger.WithFields(logrus.Fields{
			"subject": subject,
			"eventId": event.EventID,
		}).Debug("Event published")
	}()
}
