package singleton

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lanekit/solobot/internal/bus"
	sbotel "github.com/lanekit/solobot/internal/otel"
)

// HolderInfo describes the backend currently granted the advisory lock.
type HolderInfo struct {
	PID     int
	IdleFor time.Duration
}

// LockStore is the slice of the shared store the lock layer depends on.
// *store.Store satisfies it.
type LockStore interface {
	// TryAcquireLock attempts a non-blocking acquisition on a dedicated
	// session. On success the release func must be called exactly once to
	// unlock and return the session.
	TryAcquireLock(ctx context.Context, key LockKey) (bool, func(context.Context) error, error)
	InspectLockHolder(ctx context.Context, key LockKey) (*HolderInfo, error)
	TerminateHolder(ctx context.Context, pid int) (bool, error)
	UpsertHeartbeat(ctx context.Context, key LockKey, instanceID string) error
	HeartbeatAge(ctx context.Context, key LockKey) (time.Duration, bool, error)
}

// LockHandle represents one live hold of the advisory lock. Exactly one
// exists per instance while the lock is held; it owns the pinned store
// session and the heartbeat ticker.
type LockHandle struct {
	Key        LockKey
	AcquiredAt time.Time

	release   func(context.Context) error
	heartbeat *Heartbeat
}

// LockConfig tunes the distributed lock.
type LockConfig struct {
	Key                LockKey
	InstanceID         string
	StaleIdleThreshold time.Duration // holder idle longer than this is stale
	TakeoverGrace      time.Duration // wait after terminating a stale holder
	HeartbeatInterval  time.Duration

	Metrics *sbotel.Metrics // nil disables instrument recording
}

// DistributedLock wraps advisory-lock acquisition, release, and
// stale-holder takeover against the shared store.
type DistributedLock struct {
	store  LockStore
	cfg    LockConfig
	logger *slog.Logger
	events *bus.Bus

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) error

	mu     sync.Mutex
	handle *LockHandle
}

func NewDistributedLock(store LockStore, cfg LockConfig, events *bus.Bus, logger *slog.Logger) *DistributedLock {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleIdleThreshold <= 0 {
		cfg.StaleIdleThreshold = 120 * time.Second
	}
	if cfg.TakeoverGrace <= 0 {
		cfg.TakeoverGrace = 3 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &DistributedLock{
		store:  store,
		cfg:    cfg,
		logger: logger,
		events: events,
		sleep:  sleepCtx,
	}
}

// Acquire attempts a non-blocking exclusive acquisition. When the current
// holder looks stale (idle beyond the threshold), its session is
// terminated, the grace period elapses, and acquisition is retried once.
// Store connectivity errors report "not acquired": a false PASSIVE is
// recoverable, a false ACTIVE is not.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle != nil {
		return true, nil
	}

	start := time.Now()
	if l.cfg.Metrics != nil {
		defer func() {
			l.cfg.Metrics.LockAcquireDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	acquired, release, err := l.store.TryAcquireLock(ctx, l.cfg.Key)
	if err != nil {
		return false, err
	}
	if acquired {
		l.adopt(ctx, release)
		return true, nil
	}

	holder, err := l.store.InspectLockHolder(ctx, l.cfg.Key)
	if err != nil {
		return false, err
	}
	if holder == nil {
		// Lock was released between the attempt and the inspection;
		// the next watcher cycle will pick it up.
		return false, nil
	}
	if holder.IdleFor < l.cfg.StaleIdleThreshold {
		return false, nil
	}

	// Heartbeat age corroborates staleness but never vetoes the idle
	// signal: older schemas have no heartbeat table at all.
	hbAge, hbFound, hbErr := l.store.HeartbeatAge(ctx, l.cfg.Key)
	if hbErr != nil {
		l.logger.Warn("heartbeat age unavailable during takeover check", "error", hbErr)
	}

	terminated, err := l.store.TerminateHolder(ctx, holder.PID)
	if err != nil {
		return false, err
	}
	if !terminated {
		l.logger.Info("stale holder already gone", "holder_pid", holder.PID)
	}

	l.logger.Warn("stale lock holder terminated, taking over",
		"holder_pid", holder.PID,
		"idle_for", holder.IdleFor,
		"heartbeat_age", hbAge,
		"heartbeat_found", hbFound,
		"grace", l.cfg.TakeoverGrace)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.LockTakeovers.Add(ctx, 1)
	}
	if l.events != nil {
		l.events.Publish(bus.TopicTakeover, bus.TakeoverEvent{
			HolderPID: holder.PID,
			IdleFor:   holder.IdleFor,
			Reason:    "idle beyond stale threshold",
			At:        time.Now(),
		})
	}

	if err := l.sleep(ctx, l.cfg.TakeoverGrace); err != nil {
		return false, err
	}

	acquired, release, err = l.store.TryAcquireLock(ctx, l.cfg.Key)
	if err != nil {
		return false, err
	}
	if acquired {
		l.adopt(ctx, release)
	}
	return acquired, nil
}

// adopt installs the handle and starts the heartbeat. Caller holds l.mu.
func (l *DistributedLock) adopt(ctx context.Context, release func(context.Context) error) {
	hb := NewHeartbeat(l.store, l.cfg.Key, l.cfg.InstanceID, l.cfg.HeartbeatInterval, l.logger, l.cfg.Metrics)
	l.handle = &LockHandle{
		Key:        l.cfg.Key,
		AcquiredAt: time.Now(),
		release:    release,
		heartbeat:  hb,
	}
	hb.Start(context.WithoutCancel(ctx))
	l.logger.Info("advisory lock acquired", "lock_key", l.cfg.Key.String())
}

// Release unlocks and returns the session. No-op when not held.
func (l *DistributedLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == nil {
		return nil
	}
	l.handle.heartbeat.Stop()
	err := l.handle.release(ctx)
	l.handle = nil
	if err != nil {
		l.logger.Error("lock release failed", "error", err)
		return err
	}
	l.logger.Info("advisory lock released", "lock_key", l.cfg.Key.String())
	return nil
}

// Held reports whether this instance currently holds the lock.
func (l *DistributedLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != nil
}

// AcquiredAt returns when the current hold began, or the zero time.
func (l *DistributedLock) AcquiredAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return time.Time{}
	}
	return l.handle.AcquiredAt
}

// Key returns the lock key this lock coordinates on.
func (l *DistributedLock) Key() LockKey {
	return l.cfg.Key
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
