package store

import (
	"context"
	"fmt"
	"time"
)

// CleanupHeartbeats deletes heartbeat rows that have not been touched for
// the given duration. Rows for a live holder are refreshed every few
// seconds and are never affected.
func (s *Store) CleanupHeartbeats(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.cleanup(ctx, `
		DELETE FROM singleton_heartbeats
		WHERE last_heartbeat_at < now() - make_interval(secs => $1)`, olderThan)
}

// CleanupOrphans deletes processed orphan callbacks past their retention.
func (s *Store) CleanupOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.cleanup(ctx, `
		DELETE FROM orphan_callbacks
		WHERE processed AND received_at < now() - make_interval(secs => $1)`, olderThan)
}

// CleanupDedup deletes old processed-update markers. Upstream redelivery
// windows are far shorter than the retention, so expiring markers cannot
// reintroduce duplicates in practice.
func (s *Store) CleanupDedup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.cleanup(ctx, `
		DELETE FROM processed_updates
		WHERE processed_at < now() - make_interval(secs => $1)`, olderThan)
}

func (s *Store) cleanup(ctx context.Context, query string, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return res.RowsAffected()
}
