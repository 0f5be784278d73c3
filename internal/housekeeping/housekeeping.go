// Package housekeeping runs scheduled store cleanup: dead heartbeat rows,
// processed orphans, and aged dedup markers. Only the ACTIVE instance
// cleans, so two instances never race on the same deletes.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/lanekit/solobot/internal/singleton"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// CleanupStore is the persistence surface housekeeping needs.
// *store.Store satisfies it.
type CleanupStore interface {
	CleanupHeartbeats(ctx context.Context, olderThan time.Duration) (int64, error)
	CleanupOrphans(ctx context.Context, olderThan time.Duration) (int64, error)
	CleanupDedup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config holds the dependencies for the housekeeping scheduler.
type Config struct {
	Store  CleanupStore
	Active *singleton.ActiveState
	Logger *slog.Logger

	// Schedule is a 5-field cron expression. Defaults to 04:00 daily.
	Schedule string

	HeartbeatRetention time.Duration // default 24h
	OrphanRetention    time.Duration // default 7d
	DedupRetention     time.Duration // default 30d
}

// Scheduler fires the cleanup pass whenever the cron schedule is due.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	schedule cronlib.Schedule

	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 4 * * *"
	}
	if cfg.HeartbeatRetention <= 0 {
		cfg.HeartbeatRetention = 24 * time.Hour
	}
	if cfg.OrphanRetention <= 0 {
		cfg.OrphanRetention = 7 * 24 * time.Hour
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = 30 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse housekeeping schedule %q: %w", cfg.Schedule, err)
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger.With("component", "housekeeping"),
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("housekeeping started", "schedule", s.cfg.Schedule)
}

// Stop cancels the loop and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("housekeeping stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if s.cfg.Active != nil && !s.cfg.Active.Get() {
				s.logger.Debug("housekeeping skipped, instance is passive")
				continue
			}
			s.Run(ctx)
		}
	}
}

// Run executes one cleanup pass. Each table is independent; one failure
// does not stop the others.
func (s *Scheduler) Run(ctx context.Context) {
	passes := []struct {
		name      string
		retention time.Duration
		fn        func(context.Context, time.Duration) (int64, error)
	}{
		{"heartbeats", s.cfg.HeartbeatRetention, s.cfg.Store.CleanupHeartbeats},
		{"orphans", s.cfg.OrphanRetention, s.cfg.Store.CleanupOrphans},
		{"dedup", s.cfg.DedupRetention, s.cfg.Store.CleanupDedup},
	}
	for _, p := range passes {
		n, err := p.fn(ctx, p.retention)
		if err != nil {
			s.logger.Error("housekeeping pass failed", "table", p.name, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("housekeeping pass done", "table", p.name, "deleted", n)
		}
	}
}
