package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Job is a generation request tracked locally. ExternalTaskID is assigned
// by the provider and is the correlation key for asynchronous callbacks.
type Job struct {
	ID             string
	ExternalTaskID string
	ChatID         int64
	Status         JobStatus
	Result         string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, externalTaskID string, chatID int64) (*Job, error) {
	job := &Job{
		ID:             uuid.NewString(),
		ExternalTaskID: externalTaskID,
		ChatID:         chatID,
		Status:         JobStatusPending,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, external_task_id, chat_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		job.ID, job.ExternalTaskID, job.ChatID, job.Status,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// GetJobByExternalTaskID looks up the job for a provider callback.
// Returns ErrNotFound when the job record does not exist yet.
func (s *Store) GetJobByExternalTaskID(ctx context.Context, externalTaskID string) (*Job, error) {
	var (
		job            Job
		result, jobErr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_task_id, chat_id, status, result, error, created_at, updated_at
		FROM jobs WHERE external_task_id = $1`,
		externalTaskID,
	).Scan(&job.ID, &job.ExternalTaskID, &job.ChatID, &job.Status,
		&result, &jobErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by external task id: %w", err)
	}
	job.Result = result.String
	job.Error = jobErr.String
	return &job, nil
}

// CompleteJob records the terminal status and result delivered by the
// provider callback.
func (s *Store) CompleteJob(ctx context.Context, id string, status JobStatus, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, result = NULLIF($3, ''), error = NULLIF($4, ''), updated_at = now()
		WHERE id = $1`,
		id, status, result, errMsg)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
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
