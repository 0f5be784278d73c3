package singleton

import (
	"context"
	"log/slog"
	"sync"
	"time"

	sbotel "github.com/lanekit/solobot/internal/otel"
)

// Heartbeat periodically proves liveness of the lock holder by touching
// the heartbeat row for the held key. It runs only while the lock is held.
type Heartbeat struct {
	store      LockStore
	key        LockKey
	instanceID string
	interval   time.Duration
	logger     *slog.Logger
	metrics    *sbotel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHeartbeat(store LockStore, key LockKey, instanceID string, interval time.Duration, logger *slog.Logger, metrics *sbotel.Metrics) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Heartbeat{
		store:      store,
		key:        key,
		instanceID: instanceID,
		interval:   interval,
		logger:     logger,
		metrics:    metrics,
	}
}

// Start begins the heartbeat loop in a background goroutine. The first
// upsert happens immediately so a fresh holder is visible right away.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Failures are logged once and then suppressed until the next
	// success, so a briefly degraded store does not flood the logs.
	// The ticker keeps retrying on its own schedule regardless.
	failing := false

	beat := func() {
		err := h.store.UpsertHeartbeat(ctx, h.key, h.instanceID)
		if err != nil && h.metrics != nil {
			h.metrics.HeartbeatFailures.Add(ctx, 1)
		}
		switch {
		case err != nil && !failing:
			failing = true
			h.logger.Warn("heartbeat upsert failed, suppressing repeats",
				"lock_key", h.key.String(), "error", err)
		case err == nil && failing:
			failing = false
			h.logger.Info("heartbeat recovered", "lock_key", h.key.String())
		}
	}

	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
