// Package intake implements the fast-ack intake layer: a bounded queue
// with a fixed worker pool that drains inbound update events, gated by the
// singleton ActiveState. Enqueue never blocks and the HTTP endpoint always
// acknowledges; dropping is an internal backpressure decision.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanekit/solobot/internal/bus"
	sbotel "github.com/lanekit/solobot/internal/otel"
	"github.com/lanekit/solobot/internal/singleton"
)

// Item is one inbound update event awaiting dispatch.
type Item struct {
	Payload     []byte
	ExternalID  string // upstream delivery id, used for dedup
	Operation   string // parsed operation name, checked against the allow-list
	ChatID      int64
	Attempts    int
	FirstSeenAt time.Time
}

// Handler dispatches an item to the application's command handlers.
type Handler interface {
	Handle(ctx context.Context, item Item) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item Item) error

func (f HandlerFunc) Handle(ctx context.Context, item Item) error { return f(ctx, item) }

// PassiveResponder answers items that cannot run while PASSIVE.
type PassiveResponder interface {
	NotifyRetryShortly(ctx context.Context, chatID int64) error
}

// DedupStore marks updates processed. *store.Store satisfies it.
type DedupStore interface {
	MarkUpdateProcessed(ctx context.Context, externalID string) (alreadyProcessed bool, err error)
}

// Config holds the queue dependencies and tunables.
type Config struct {
	QueueSize   int
	WorkerCount int

	DispatchTimeout time.Duration
	// PollInterval bounds how long an idle worker waits before rechecking
	// ActiveState. Default 1s.
	PollInterval time.Duration
	// RetryNoticeThrottle limits retry-shortly replies per recipient.
	RetryNoticeThrottle time.Duration

	PassiveAllowList             []string
	BackpressureThresholdPercent int

	Active    *singleton.ActiveState
	Handler   Handler
	Dedup     DedupStore       // nil disables dedup
	Responder PassiveResponder // nil disables retry-shortly replies
	Events    *bus.Bus
	Logger    *slog.Logger
	Metrics   *sbotel.Metrics // nil disables instrument recording
}

// Queue is the bounded intake queue plus its worker pool.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	items  chan Item

	received   atomic.Int64
	processed  atomic.Int64
	dropped    atomic.Int64
	held       atomic.Int64
	duplicates atomic.Int64
	errs       atomic.Int64

	allowMu sync.RWMutex
	allow   map[string]struct{}

	noticeMu   sync.Mutex
	lastNotice map[int64]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryNoticeThrottle <= 0 {
		cfg.RetryNoticeThrottle = time.Minute
	}
	if cfg.BackpressureThresholdPercent <= 0 || cfg.BackpressureThresholdPercent > 100 {
		cfg.BackpressureThresholdPercent = 80
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		cfg:        cfg,
		logger:     logger,
		items:      make(chan Item, cfg.QueueSize),
		lastNotice: make(map[int64]time.Time),
	}
	q.SetPassiveAllowList(cfg.PassiveAllowList)
	return q
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.WorkerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("intake queue started",
		"capacity", q.cfg.QueueSize, "workers", q.cfg.WorkerCount)
}

// Stop cancels the workers and waits for in-flight dispatches.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("intake queue stopped", "remaining", len(q.items))
}

// Enqueue offers an item to the queue without blocking. A full queue
// drops the item, counts it, and returns false; the caller must still
// acknowledge success upstream because upstream redelivery is not ours to
// control and retries would only worsen load.
func (q *Queue) Enqueue(item Item) bool {
	if item.FirstSeenAt.IsZero() {
		item.FirstSeenAt = time.Now()
	}
	select {
	case q.items <- item:
		q.received.Add(1)
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.ItemsReceived.Add(context.Background(), 1)
			q.cfg.Metrics.QueueDepth.Add(context.Background(), 1)
		}
		return true
	default:
		q.dropped.Add(1)
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.ItemsDropped.Add(context.Background(), 1)
		}
		q.logger.Warn("intake queue full, dropping item",
			"external_id", item.ExternalID,
			"operation", item.Operation,
			"depth", len(q.items))
		if q.cfg.Events != nil {
			q.cfg.Events.Publish(bus.TopicItemDropped, bus.DroppedEvent{
				ExternalID: item.ExternalID,
				Depth:      len(q.items),
			})
		}
		return false
	}
}

// SetPassiveAllowList replaces the set of operations that may run while
// PASSIVE. Safe to call concurrently (config hot reload).
func (q *Queue) SetPassiveAllowList(ops []string) {
	allow := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		allow[op] = struct{}{}
	}
	q.allowMu.Lock()
	q.allow = allow
	q.allowMu.Unlock()
}

func (q *Queue) allowedWhilePassive(op string) bool {
	q.allowMu.RLock()
	defer q.allowMu.RUnlock()
	_, ok := q.allow[op]
	return ok
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	idle := time.NewTimer(q.cfg.PollInterval)
	defer idle.Stop()

	for {
		idle.Reset(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			if q.cfg.Metrics != nil {
				q.cfg.Metrics.QueueDepth.Add(ctx, -1)
			}
			q.handle(ctx, item)
		case <-idle.C:
			// Bounded wait so ActiveState changes are observed even
			// when the queue is empty.
		}
	}
}

func (q *Queue) handle(ctx context.Context, item Item) {
	item.Attempts++

	if !q.cfg.Active.Get() {
		if q.allowedWhilePassive(item.Operation) {
			q.dispatch(ctx, item)
			return
		}
		// Not requeued: the upstream system is the source of truth and
		// will redeliver independently, or the user retries. Doing
		// nothing risks less than doing partial work twice.
		q.held.Add(1)
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.ItemsHeld.Add(ctx, 1)
		}
		if q.cfg.Events != nil {
			q.cfg.Events.Publish(bus.TopicItemHeld, item.ExternalID)
		}
		q.respondRetryShortly(ctx, item.ChatID)
		return
	}

	if q.cfg.Dedup != nil && item.ExternalID != "" {
		already, err := q.cfg.Dedup.MarkUpdateProcessed(ctx, item.ExternalID)
		if err != nil {
			// Fail open: duplicate processing beats total unavailability.
			q.logger.Warn("dedup store unavailable, proceeding without dedup",
				"external_id", item.ExternalID, "error", err)
		} else if already {
			q.duplicates.Add(1)
			q.logger.Debug("duplicate update skipped", "external_id", item.ExternalID)
			return
		}
	}

	q.dispatch(ctx, item)
}

func (q *Queue) dispatch(ctx context.Context, item Item) {
	dctx, cancel := context.WithTimeout(ctx, q.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- q.cfg.Handler.Handle(dctx, item)
	}()

	var err error
	select {
	case err = <-done:
	case <-dctx.Done():
		err = fmt.Errorf("dispatch timed out after %s: %w", q.cfg.DispatchTimeout, dctx.Err())
	}

	if q.cfg.Metrics != nil {
		q.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		q.errs.Add(1)
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.DispatchErrors.Add(ctx, 1)
		}
		q.logger.Error("dispatch failed",
			"external_id", item.ExternalID,
			"operation", item.Operation,
			"attempt", item.Attempts,
			"elapsed", time.Since(item.FirstSeenAt),
			"error", err)
		if q.cfg.Events != nil {
			q.cfg.Events.Publish(bus.TopicDispatchFailed, item.ExternalID)
		}
		return
	}
	q.processed.Add(1)
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.ItemsProcessed.Add(ctx, 1)
	}
}

func (q *Queue) respondRetryShortly(ctx context.Context, chatID int64) {
	if q.cfg.Responder == nil || chatID == 0 {
		return
	}
	q.noticeMu.Lock()
	last, seen := q.lastNotice[chatID]
	if seen && time.Since(last) < q.cfg.RetryNoticeThrottle {
		q.noticeMu.Unlock()
		return
	}
	q.lastNotice[chatID] = time.Now()
	q.noticeMu.Unlock()

	if err := q.cfg.Responder.NotifyRetryShortly(ctx, chatID); err != nil {
		q.logger.Warn("retry-shortly reply failed", "chat_id", chatID, "error", err)
	}
}
