package store

import (
	"context"
	"fmt"
)

// MarkUpdateProcessed records that an inbound update with the given
// external id has been handled. Returns true if the id was already
// present, meaning the caller should skip the duplicate.
func (s *Store) MarkUpdateProcessed(ctx context.Context, externalID string) (alreadyProcessed bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_updates (external_id)
		VALUES ($1)
		ON CONFLICT (external_id) DO NOTHING`,
		externalID)
	if err != nil {
		return false, fmt.Errorf("mark update processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
