package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"

	domainsync "finch/internal/domain/sync"
)

// FullSyncJob implements the Job interface for a complete account and
// transaction sweep for one user. It is queued right after a successful link
// and by the time-of-day schedule for every connected user.
type FullSyncJob struct {
	userID      int64
	syncService *domainsync.Service
	opts        domainsync.FullSyncOptions
}

// NewFullSyncJob creates a new full sync job for a user.
func NewFullSyncJob(userID int64, syncService *domainsync.Service, opts domainsync.FullSyncOptions) *FullSyncJob {
	return &FullSyncJob{
		userID:      userID,
		syncService: syncService,
		opts:        opts,
	}
}

// Execute runs the full sync job.
func (j *FullSyncJob) Execute(ctx context.Context) error {
	log.Printf("Starting full bank sync for user %d", j.userID)

	result, err := j.syncService.FullSync(ctx, j.userID, j.opts)
	if err != nil {
		if err == domainsync.ErrSyncInProgress {
			// Another instance or the link flow is already sweeping this user.
			log.Printf("Full bank sync for user %d skipped: already in progress", j.userID)
			return nil
		}
		if domainsync.IsTokenExpired(err) {
			// Background jobs cannot re-run the OAuth flow; the user will be
			// prompted to reconnect on their next sync request.
			log.Printf("Full bank sync for user %d skipped: %v", j.userID, err)
			return nil
		}
		log.Printf("Full bank sync failed for user %d: %v", j.userID, err)
		return fmt.Errorf("sync failed: %w", err)
	}

	// Log results
	if len(result.Errors) > 0 {
		log.Printf("Full bank sync for user %d completed with errors: Accounts=%d, Inserted=%d, Skipped=%d, Errors=%d",
			j.userID, result.Accounts, result.Inserted, result.Skipped, len(result.Errors))
		// Return error to mark for retry
		return fmt.Errorf("sync completed with %d errors", len(result.Errors))
	}

	log.Printf("Full bank sync for user %d completed successfully: Accounts=%d, Inserted=%d, Skipped=%d",
		j.userID, result.Accounts, result.Inserted, result.Skipped)

	return nil
}

// UserID returns the user ID associated with this job.
func (j *FullSyncJob) UserID() string {
	return strconv.FormatInt(j.userID, 10)
}

// Description returns a human-readable description of the job.
func (j *FullSyncJob) Description() string {
	return fmt.Sprintf("Full bank sync for user %d", j.userID)
}

// ConnectedUserLister yields the users with an active bank connection.
type ConnectedUserLister interface {
	ListConnectedUserIDs(ctx context.Context, provider string) ([]int64, error)
}

/// FullSyncJobProvider builds the scheduled job batch: one full sync per
// connected user, bounded below by the configured sync start date.
func FullSyncJobProvider(lister ConnectedUserLister, providerName string, syncService *domainsync.Service, opts domainsync.FullSyncOptions) func(context.Context) ([]Job, error) {
	return func(ctx context.Context) ([]Job, error) {
		userIDs, err := lister.ListConnectedUserIDs(ctx, providerName)
		if err != nil {
			return nil, fmt.Errorf("failed to list connected users: %w", err)
		}

		jobs := make([]Job, 0, len(userIDs))
		for _, userID := range userIDs {
			jobs = append(jobs, NewFullSyncJob(userID, syncService, opts))
		}
		return jobs, nil
	}
}
