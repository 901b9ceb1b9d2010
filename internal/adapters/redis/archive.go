package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crawlfleet/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

const (
	archiveKey        = keyPrefix + "failed"
	archiveMetaPrefix = keyPrefix + "failed:meta:"
)

// FailedJobArchive keeps jobs that failed on every agent, newest first, so
// they can be inspected or resubmitted.
type FailedJobArchive struct {
	client *redis.Client
	now    func() time.Time
}

type ArchiveEntry struct {
	Job         *domain.Job `json:"job"`
	FailureTime time.Time   `json:"failure_time"`
	Reason      string      `json:"reason"`
}

func NewFailedJobArchive(client *redis.Client) *FailedJobArchive {
	return &FailedJobArchive{client: client, now: time.Now}
}

// Add records a failed job
func (a *FailedJobArchive) Add(ctx context.Context, job *domain.Job, reason string) error {
	now := a.now()
	entry := ArchiveEntry{
		Job:         job,
		FailureTime: now,
		Reason:      reason,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal archive entry: %w", err)
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, archiveKey, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		pipe.Set(ctx, archiveMetaPrefix+job.ID, data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

// Get retrieves one archived job
func (a *FailedJobArchive) Get(ctx context.Context, jobID string) (*ArchiveEntry, error) {
	data, err := a.client.Get(ctx, archiveMetaPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s not in archive", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get archive entry: %w", err)
	}

	var entry ArchiveEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive entry: %w", err)
	}
	return &entry, nil
}

// List returns archived jobs, newest first
func (a *FailedJobArchive) List(ctx context.Context, offset, limit int64) ([]*ArchiveEntry, error) {
	jobIDs, err := a.client.ZRevRange(ctx, archiveKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}

	entries := make([]*ArchiveEntry, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		entry, err := a.Get(ctx, jobID)
		if err != nil {
			// Metadata expired or removed underneath us.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove drops a job from the archive
func (a *FailedJobArchive) Remove(ctx context.Context, jobID string) error {
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, archiveKey, jobID)
		pipe.Del(ctx, archiveMetaPrefix+jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove from archive: %w", err)
	}
	return nil
}

// Count returns the number of archived jobs
func (a *FailedJobArchive) Count(ctx context.Context) (int64, error) {
	count, err := a.client.ZCard(ctx, archiveKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count archive: %w", err)
	}
	return count, nil
}
