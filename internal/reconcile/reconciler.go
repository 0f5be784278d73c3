// Package reconcile closes the race where a provider callback arrives
// before the local job-creation transaction commits. Such callbacks are
// parked as orphans by the gateway; the reconciler retries matching them
// to a job until a timeout, then gives up with a recorded error.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lanekit/solobot/internal/bus"
	sbotel "github.com/lanekit/solobot/internal/otel"
	"github.com/lanekit/solobot/internal/singleton"
	"github.com/lanekit/solobot/internal/store"
)

// OrphanStore is the persistence surface the reconciler needs.
// *store.Store satisfies it.
type OrphanStore interface {
	ListUnprocessedOrphans(ctx context.Context, limit int) ([]store.OrphanCallback, error)
	GetJobByExternalTaskID(ctx context.Context, externalTaskID string) (*store.Job, error)
	CompleteJob(ctx context.Context, id string, status store.JobStatus, result, errMsg string) error
	MarkOrphanProcessed(ctx context.Context, id string, errMsg string) error
}

// ResultNotifier delivers a finished job's outcome to its recipient.
type ResultNotifier interface {
	DeliverResult(ctx context.Context, chatID int64, result string, jobErr string) error
}

// callbackResult mirrors the provider callback payload the gateway
// accepted before parking it.
type callbackResult struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Config holds the reconciler dependencies and tunables.
type Config struct {
	Store    OrphanStore
	Notifier ResultNotifier // nil skips delivery
	Active   *singleton.ActiveState
	Events   *bus.Bus
	Logger   *slog.Logger
	Metrics  *sbotel.Metrics

	// Interval between ticks. Default 10s.
	Interval time.Duration
	// BatchSize bounds the orphans fetched per tick. Default 100.
	BatchSize int
	// Timeout is how long an orphan waits for its job before being
	// marked a terminal error. Default 30m.
	Timeout time.Duration
}

// Reconciler periodically matches orphaned callbacks to jobs.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger

	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:    cfg,
		logger: logger.With("component", "reconciler"),
		now:    time.Now,
	}
}

// Start launches the background loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight tick.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	// Ticking while PASSIVE is pointless; wait out the standby phase.
	if r.cfg.Active != nil && !r.cfg.Active.WaitActive(ctx, 0) {
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Only the ACTIVE instance touches jobs; a passive peer
			// would double-deliver results.
			if r.cfg.Active != nil && !r.cfg.Active.Get() {
				continue
			}
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("reconcile tick failed", "error", err)
			}
		}
	}
}

// Tick processes one batch of unprocessed orphans.
func (r *Reconciler) Tick(ctx context.Context) error {
	orphans, err := r.cfg.Store.ListUnprocessedOrphans(ctx, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}
	for _, o := range orphans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.resolve(ctx, o); err != nil {
			r.logger.Error("orphan resolution failed",
				"orphan_id", o.ID,
				"external_task_id", o.ExternalTaskID,
				"age", r.now().Sub(o.ReceivedAt),
				"error", err)
		}
	}
	return nil
}

func (r *Reconciler) resolve(ctx context.Context, o store.OrphanCallback) error {
	job, err := r.cfg.Store.GetJobByExternalTaskID(ctx, o.ExternalTaskID)
	switch {
	case err == nil:
		return r.apply(ctx, o, job)
	case errors.Is(err, store.ErrNotFound):
		age := r.now().Sub(o.ReceivedAt)
		if age < r.cfg.Timeout {
			// Job may still be committing; leave it for the next tick.
			return nil
		}
		return r.expire(ctx, o, age)
	default:
		return fmt.Errorf("lookup job: %w", err)
	}
}

func (r *Reconciler) apply(ctx context.Context, o store.OrphanCallback, job *store.Job) error {
	var res callbackResult
	if err := json.Unmarshal(o.Payload, &res); err != nil {
		// Malformed payloads can never match; record and move on.
		markErr := r.cfg.Store.MarkOrphanProcessed(ctx, o.ID, fmt.Sprintf("malformed payload: %v", err))
		if markErr != nil {
			return markErr
		}
		return nil
	}

	status := store.JobStatusCompleted
	if res.Status == "failed" || res.Error != "" {
		status = store.JobStatusFailed
	}
	if err := r.cfg.Store.CompleteJob(ctx, job.ID, status, res.Result, res.Error); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if r.cfg.Notifier != nil && job.ChatID != 0 {
		if err := r.cfg.Notifier.DeliverResult(ctx, job.ChatID, res.Result, res.Error); err != nil {
			// Job state is already final; a failed delivery is not worth
			// replaying the whole orphan.
			r.logger.Warn("result delivery failed",
				"job_id", job.ID, "chat_id", job.ChatID, "error", err)
		}
	}
	if err := r.cfg.Store.MarkOrphanProcessed(ctx, o.ID, ""); err != nil {
		return fmt.Errorf("mark orphan processed: %w", err)
	}

	r.logger.Info("orphan matched to job",
		"orphan_id", o.ID,
		"job_id", job.ID,
		"external_task_id", o.ExternalTaskID,
		"waited", r.now().Sub(o.ReceivedAt))
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.OrphansResolved.Add(ctx, 1)
	}
	if r.cfg.Events != nil {
		r.cfg.Events.Publish(bus.TopicOrphanResolved, bus.OrphanResolvedEvent{
			OrphanID:       o.ID,
			ExternalTaskID: o.ExternalTaskID,
		})
	}
	return nil
}

func (r *Reconciler) expire(ctx context.Context, o store.OrphanCallback, age time.Duration) error {
	msg := fmt.Sprintf("no matching job after %s", age.Truncate(time.Second))
	if err := r.cfg.Store.MarkOrphanProcessed(ctx, o.ID, msg); err != nil {
		return fmt.Errorf("mark orphan expired: %w", err)
	}
	r.logger.Warn("orphan expired without a matching job",
		"orphan_id", o.ID,
		"external_task_id", o.ExternalTaskID,
		"age", age)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.OrphansExpired.Add(ctx, 1)
	}
	if r.cfg.Events != nil {
		r.cfg.Events.Publish(bus.TopicOrphanExpired, bus.OrphanResolvedEvent{
			OrphanID:       o.ID,
			ExternalTaskID: o.ExternalTaskID,
			Error:          msg,
		})
	}
	return nil
}
