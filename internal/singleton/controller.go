package singleton

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lanekit/solobot/internal/bus"
	sbotel "github.com/lanekit/solobot/internal/otel"
)

// State is the operating mode of this instance.
type State string

const (
	StatePassive State = "PASSIVE"
	StateActive  State = "ACTIVE"
)

// Notifier delivers the user-facing "service is updating" notice.
type Notifier interface {
	NotifyServiceUpdating(ctx context.Context, chatID int64) error
}

// ControllerConfig holds the LockController dependencies and tunables.
type ControllerConfig struct {
	Lock       *DistributedLock
	Active     *ActiveState
	Events     *bus.Bus
	Notifier   Notifier        // nil disables passive notices
	Metrics    *sbotel.Metrics // nil disables instrument recording
	Logger     *slog.Logger
	InstanceID string

	// OnActivate runs once on the first PASSIVE→ACTIVE transition
	// (migrations, webhook registration, dependent services). A failure
	// is logged and retried on the next activation; the state stays
	// ACTIVE because the lock is genuinely held.
	OnActivate func(context.Context) error

	// Fast acquisition attempt timeout used by Start. Sub-second keeps
	// startup snappy; the watcher covers the slow path.
	AcquireTimeout time.Duration

	BackoffBase    time.Duration // watcher retry base, default 10s
	BackoffCap     time.Duration // watcher retry cap, default 60s
	NoticeThrottle time.Duration // passive notice window, default 60s

	// ForceActive activates without coordinating. Single-instance
	// deployments where the store cannot arbitrate.
	ForceActive bool
}

// LockController drives the PASSIVE/ACTIVE state machine. All state
// mutation funnels through setState under a single mutex; the watcher is
// the only background task and at most one runs per controller.
type LockController struct {
	cfg    ControllerConfig
	logger *slog.Logger

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error

	mu              sync.Mutex
	state           State
	firstActivation bool
	watcherRunning  bool
	watcherCancel   context.CancelFunc
	lastNoticeAt    time.Time
	lastTakeoverAt  time.Time
	wg              sync.WaitGroup
}

func NewLockController(cfg ControllerConfig) *LockController {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 800 * time.Millisecond
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.NoticeThrottle <= 0 {
		cfg.NoticeThrottle = 60 * time.Second
	}
	return &LockController{
		cfg:             cfg,
		logger:          logger,
		sleep:           sleepCtx,
		state:           StatePassive,
		firstActivation: true,
	}
}

// Start attempts an immediate fast acquisition. On success the controller
// goes ACTIVE synchronously; on failure it stays PASSIVE and spawns the
// background watcher.
func (c *LockController) Start(ctx context.Context) {
	if c.cfg.ForceActive {
		c.logger.Warn("force-active override set, skipping lock coordination")
		c.setState(ctx, StateActive, "force-active override")
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	acquired, err := c.cfg.Lock.Acquire(attemptCtx)
	cancel()
	if err != nil {
		c.logger.Warn("initial lock acquisition errored, staying passive", "error", err)
	}
	if acquired {
		c.setState(ctx, StateActive, "lock acquired at startup")
		return
	}

	c.setState(ctx, StatePassive, "lock held elsewhere at startup")
	c.startWatcher(ctx)
}

// startWatcher spawns the retry loop. Calling it while a watcher is
// already running is a no-op, so repeated Start calls cannot leak tasks.
func (c *LockController) startWatcher(ctx context.Context) {
	c.mu.Lock()
	if c.watcherRunning {
		c.mu.Unlock()
		return
	}
	c.watcherRunning = true
	watchCtx, cancel := context.WithCancel(ctx)
	c.watcherCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watch(watchCtx)
}

// watch retries short acquisitions with exponential backoff until the lock
// is won or the context is cancelled, then terminates itself.
func (c *LockController) watch(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.watcherRunning = false
		c.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
		c.logger.Debug("watcher waiting before retry", "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		acquired, err := c.cfg.Lock.Acquire(attemptCtx)
		cancel()
		if err != nil {
			c.logger.Warn("watcher acquisition errored", "attempt", attempt, "error", err)
			continue
		}
		if acquired {
			c.setState(ctx, StateActive, "lock acquired by watcher")
			return
		}
	}
}

// backoffDelay returns base * 1.5^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// setState is the single mutation point for the state machine.
func (c *LockController) setState(ctx context.Context, next State, reason string) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	runActivation := next == StateActive && c.firstActivation
	c.mu.Unlock()

	c.logger.Info("singleton state changed",
		"from", string(prev), "to", string(next), "reason", reason)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.StateTransitions.Add(ctx, 1)
	}

	if runActivation && c.cfg.OnActivate != nil {
		if err := c.cfg.OnActivate(ctx); err != nil {
			// The lock is held; staying ACTIVE is correct. The callback
			// owns its own internal retries, and firstActivation stays
			// set so the next activation tries again.
			c.logger.Error("activation callback failed", "error", err)
		} else {
			c.mu.Lock()
			c.firstActivation = false
			c.mu.Unlock()
		}
	}

	// Dependent consumers observe the change synchronously.
	c.cfg.Active.Set(next == StateActive, reason)

	if c.cfg.Events != nil {
		c.cfg.Events.Publish(bus.TopicStateChanged, bus.StateChangedEvent{
			InstanceID: c.cfg.InstanceID,
			OldState:   string(prev),
			NewState:   string(next),
			Reason:     reason,
			At:         time.Now(),
		})
	}
}

// ShouldProcessUpdates reports whether this instance may do side-effecting
// work. Pure query.
func (c *LockController) ShouldProcessUpdates() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// State returns the current state.
func (c *LockController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendPassiveNoticeIfNeeded sends a "service is updating" notice to the
// given chat while PASSIVE, throttled to one per window per process.
func (c *LockController) SendPassiveNoticeIfNeeded(ctx context.Context, chatID int64) {
	if c.cfg.Notifier == nil {
		return
	}
	c.mu.Lock()
	if c.state == StateActive || time.Since(c.lastNoticeAt) < c.cfg.NoticeThrottle {
		c.mu.Unlock()
		return
	}
	c.lastNoticeAt = time.Now()
	c.mu.Unlock()

	if err := c.cfg.Notifier.NotifyServiceUpdating(ctx, chatID); err != nil {
		c.logger.Warn("passive notice failed", "chat_id", chatID, "error", err)
	}
}

// Stop cancels the watcher, releases the lock, and drops to PASSIVE.
func (c *LockController) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.watcherCancel != nil {
		c.watcherCancel()
	}
	c.mu.Unlock()
	c.wg.Wait()

	if err := c.cfg.Lock.Release(ctx); err != nil {
		c.logger.Error("lock release on shutdown failed", "error", err)
	}
	c.setState(ctx, StatePassive, "shutdown")
}

// Status is the diagnostics snapshot exposed by the gateway.
type Status struct {
	State          State     `json:"state"`
	InstanceID     string    `json:"instance_id"`
	LockAcquiredAt time.Time `json:"lock_acquired_at,omitempty"`
}

func (c *LockController) Snapshot() Status {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	return Status{
		State:          state,
		InstanceID:     c.cfg.InstanceID,
		LockAcquiredAt: c.cfg.Lock.AcquiredAt(),
	}
}
