package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrphanCallback is a provider callback that arrived before its job record
// existed locally. The reconciler retries matching it until a timeout.
type OrphanCallback struct {
	ID             string
	ExternalTaskID string
	Payload        []byte
	ReceivedAt     time.Time
	Processed      bool
	Error          string
}

// InsertOrphan parks an unmatched callback for the reconciler.
func (s *Store) InsertOrphan(ctx context.Context, externalTaskID string, payload []byte) (*OrphanCallback, error) {
	o := &OrphanCallback{
		ID:             uuid.NewString(),
		ExternalTaskID: externalTaskID,
		Payload:        payload,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO orphan_callbacks (id, external_task_id, payload)
		VALUES ($1, $2, $3)
		RETURNING received_at`,
		o.ID, o.ExternalTaskID, o.Payload,
	).Scan(&o.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("insert orphan: %w", err)
	}
	return o, nil
}

// ListUnprocessedOrphans returns the oldest pending orphans, bounded.
func (s *Store) ListUnprocessedOrphans(ctx context.Context, limit int) ([]OrphanCallback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_task_id, payload, received_at, processed, error
		FROM orphan_callbacks
		WHERE NOT processed
		ORDER BY received_at
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()

	var out []OrphanCallback
	for rows.Next() {
		var (
			o      OrphanCallback
			errMsg sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.ExternalTaskID, &o.Payload,
			&o.ReceivedAt, &o.Processed, &errMsg); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		o.Error = errMsg.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOrphanProcessed finishes an orphan. A non-empty errMsg records a
// terminal failure (the orphan never found its job).
func (s *Store) MarkOrphanProcessed(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orphan_callbacks
		SET processed = TRUE, error = NULLIF($2, '')
		WHERE id = $1`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("mark orphan processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
