package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lanekit/solobot/internal/channels"
	"github.com/lanekit/solobot/internal/intake"
	"github.com/lanekit/solobot/internal/store"
)

const menuText = `Commands:
/menu - this menu
/restart - acknowledge a restart request
Anything else is submitted as a generation request.`

// jobCreator is the slice of the store the dispatcher needs.
type jobCreator interface {
	CreateJob(ctx context.Context, externalTaskID string, chatID int64) (*store.Job, error)
}

// dispatcher turns dequeued updates into job records and replies. It is
// the intake.Handler the worker pool drains into.
type dispatcher struct {
	jobs     jobCreator
	notifier channels.Notifier
	logger   *slog.Logger
}

func newDispatcher(jobs jobCreator, notifier channels.Notifier, logger *slog.Logger) *dispatcher {
	return &dispatcher{jobs: jobs, notifier: notifier, logger: logger.With("component", "dispatcher")}
}

func (d *dispatcher) Handle(ctx context.Context, item intake.Item) error {
	switch item.Operation {
	case "menu":
		return d.notifier.SendText(ctx, item.ChatID, menuText)
	case "restart":
		return d.notifier.SendText(ctx, item.ChatID, "Restart noted. The service restarts via its supervisor; your session is unaffected.")
	case "callback_query", "unknown":
		d.logger.Debug("update ignored", "operation", item.Operation, "external_id", item.ExternalID)
		return nil
	default:
		return d.submitJob(ctx, item)
	}
}

// submitJob records a pending job keyed by a fresh external task id. The
// provider reports the outcome asynchronously on POST /callback, which
// completes the job and delivers the result.
func (d *dispatcher) submitJob(ctx context.Context, item intake.Item) error {
	taskID := uuid.NewString()
	job, err := d.jobs.CreateJob(ctx, taskID, item.ChatID)
	if err != nil {
		return fmt.Errorf("create job for update %s: %w", item.ExternalID, err)
	}
	d.logger.Info("job submitted",
		"job_id", job.ID,
		"external_task_id", taskID,
		"chat_id", item.ChatID,
		"operation", item.Operation)
	if err := d.notifier.SendText(ctx, item.ChatID, "Working on it. You will get the result here."); err != nil {
		d.logger.Warn("submit acknowledgement failed", "chat_id", item.ChatID, "error", err)
	}
	return nil
}
