package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"platform-api/internal/repository"
)

// CleanupJob prunes expired refresh tokens and aged auth audit records on a
// fixed interval.
type CleanupJob struct {
	users          repository.UserRepositoryInterface
	logger         *logrus.Logger
	interval       time.Duration
	auditRetention time.Duration
	stopCh         chan struct{}
}

// NewCleanupJob creates a new cleanup job
func NewCleanupJob(users repository.UserRepositoryInterface, logger *logrus.Logger, interval, auditRetention time.Duration) *CleanupJob {
	if interval <= 0 {
		interval = time.Hour
	}
	if auditRetention <= 0 {
		auditRetention = 90 * 24 * time.Hour
	}
	return &CleanupJob{
		users:          users,
		logger:         logger,
		interval:       interval,
		auditRetention: auditRetention,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the cleanup loop
func (j *CleanupJob) Start(ctx context.Context) {
	j.logger.Info("Cleanup job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.run(ctx)

	for {
		select {
		case <-ticker.C:
			j.run(ctx)
		case <-j.stopCh:
			j.logger.Info("Cleanup job stopped")
			return
		case <-ctx.Done():
			j.logger.Info("Cleanup job context cancelled")
			return
		}
	}
}

// Stop signals the job to stop
func (j *CleanupJob) Stop() {
	close(j.stopCh)
}

func (j *CleanupJob) run(ctx context.Context) {
	now := time.Now()

	tokens, err := j.users.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		j.logger.Errorf("Failed to delete expired refresh tokens: %v", err)
	} else if tokens > 0 {
		j.logger.Infof("Deleted %d expired refresh tokens", tokens)
	}

	audits, err := j.users.DeleteAuthAuditsBefore(ctx, now.Add(-j.auditRetention))
	if err != nil {
		j.logger.Errorf("Failed to prune auth audit records: %v", err)
	} else if audits > 0 {
		j.logger.Infof("Pruned %d auth audit records", audits)
	}
}
