package singleton

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lanekit/solobot/internal/bus"
)

// Monitor is the safety net between the controller and ActiveState. The
// controller updates ActiveState synchronously on every transition, but a
// refactor could sever that wiring; the monitor guarantees the invariant
// "controller ACTIVE implies ActiveState true" holds regardless.
type Monitor struct {
	controller *LockController
	active     *ActiveState
	events     *bus.Bus
	logger     *slog.Logger

	interval     time.Duration
	lagThreshold time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(controller *LockController, active *ActiveState, events *bus.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		controller:   controller,
		active:       active,
		events:       events,
		logger:       logger,
		interval:     time.Second,
		lagThreshold: 3 * time.Second,
	}
}

func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var mismatchSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.controller.ShouldProcessUpdates() || m.active.Get() {
				mismatchSince = time.Time{}
				continue
			}
			if mismatchSince.IsZero() {
				mismatchSince = time.Now()
				continue
			}
			if time.Since(mismatchSince) < m.lagThreshold {
				continue
			}
			m.logger.Warn("active state lagged behind controller, forcing sync",
				"lag", time.Since(mismatchSince))
			m.active.Set(true, "forced sync: controller reports ACTIVE")
			if m.events != nil {
				m.events.Publish(bus.TopicForcedSync, bus.StateChangedEvent{
					NewState: string(StateActive),
					Reason:   "monitor forced sync",
					At:       time.Now(),
				})
			}
			mismatchSince = time.Time{}
		}
	}
}
