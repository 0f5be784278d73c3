package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lanekit/solobot/internal/singleton"
)

type recordingHandler struct {
	mu    sync.Mutex
	items []Item
	err   error
	block time.Duration
	panic bool
}

func (h *recordingHandler) Handle(ctx context.Context, item Item) error {
	h.mu.Lock()
	shouldPanic, block, err := h.panic, h.block, h.err
	h.mu.Unlock()
	if shouldPanic {
		panic("handler exploded")
	}
	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	h.items = append(h.items, item)
	h.mu.Unlock()
	return err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

type recordingResponder struct {
	mu    sync.Mutex
	chats []int64
}

func (r *recordingResponder) NotifyRetryShortly(_ context.Context, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, chatID)
	return nil
}

func (r *recordingResponder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *fakeDedup) MarkUpdateProcessed(_ context.Context, externalID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[externalID] {
		return true, nil
	}
	d.seen[externalID] = true
	return false, nil
}

func activeState(active bool) *singleton.ActiveState {
	s := singleton.NewActiveState()
	if active {
		s.Set(true, "test")
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_EnqueueFullDropsWithoutBlocking(t *testing.T) {
	q := New(Config{
		QueueSize: 2,
		Active:    activeState(true),
		Handler:   &recordingHandler{},
	})
	// No workers running: the queue fills up.
	if !q.Enqueue(Item{ExternalID: "1"}) || !q.Enqueue(Item{ExternalID: "2"}) {
		t.Fatal("enqueue into free capacity failed")
	}

	done := make(chan bool, 1)
	go func() { done <- q.Enqueue(Item{ExternalID: "3"}) }()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Enqueue on a full queue returned true")
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	stats := q.Stats()
	if stats.Dropped != 1 {
		t.Fatalf("Dropped = %d, want exactly 1", stats.Dropped)
	}
	if stats.Received != 2 {
		t.Fatalf("Received = %d, want 2", stats.Received)
	}
}

func TestQueue_150Into100WithNoWorkers(t *testing.T) {
	q := New(Config{
		QueueSize: 100,
		Active:    activeState(true),
		Handler:   &recordingHandler{},
	})

	for i := 0; i < 150; i++ {
		q.Enqueue(Item{ExternalID: fmt.Sprintf("u-%d", i)})
	}

	stats := q.Stats()
	if stats.Depth != 100 {
		t.Fatalf("Depth = %d, want exactly 100", stats.Depth)
	}
	if stats.Dropped != 50 {
		t.Fatalf("Dropped = %d, want exactly 50", stats.Dropped)
	}
	if stats.Received != 100 {
		t.Fatalf("Received = %d, want 100", stats.Received)
	}
	if !stats.BackpressureActive {
		t.Fatal("backpressure flag should be raised at 100% utilization")
	}
}

func TestQueue_PassiveGating(t *testing.T) {
	handler := &recordingHandler{}
	responder := &recordingResponder{}
	q := New(Config{
		QueueSize:        10,
		WorkerCount:      1,
		Active:           activeState(false),
		Handler:          handler,
		Responder:        responder,
		PassiveAllowList: []string{"restart", "menu"},
		PollInterval:     10 * time.Millisecond,
	})
	q.Start(context.Background())
	defer q.Stop()

	// Allow-listed item reaches dispatch even while PASSIVE.
	q.Enqueue(Item{ExternalID: "a", Operation: "restart", ChatID: 1})
	waitFor(t, time.Second, func() bool { return handler.count() == 1 })

	// Non-allow-listed item never reaches dispatch; recipient gets the
	// retry-shortly reply instead.
	q.Enqueue(Item{ExternalID: "b", Operation: "generate", ChatID: 2})
	waitFor(t, time.Second, func() bool { return q.Stats().Held == 1 })
	if handler.count() != 1 {
		t.Fatalf("handler saw %d items, want 1 (generate must be held)", handler.count())
	}
	waitFor(t, time.Second, func() bool { return responder.count() == 1 })
}

func TestQueue_PassiveRetryNoticeThrottledPerRecipient(t *testing.T) {
	responder := &recordingResponder{}
	q := New(Config{
		QueueSize:           10,
		WorkerCount:         1,
		Active:              activeState(false),
		Handler:             &recordingHandler{},
		Responder:           responder,
		RetryNoticeThrottle: time.Hour,
		PollInterval:        10 * time.Millisecond,
	})
	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 4; i++ {
		q.Enqueue(Item{ExternalID: fmt.Sprintf("n-%d", i), Operation: "generate", ChatID: 7})
	}
	q.Enqueue(Item{ExternalID: "other", Operation: "generate", ChatID: 8})

	waitFor(t, time.Second, func() bool { return q.Stats().Held == 5 })
	if got := responder.count(); got != 2 {
		t.Fatalf("retry notices = %d, want 2 (one per recipient)", got)
	}
}

func TestQueue_DedupSkipsDuplicates(t *testing.T) {
	handler := &recordingHandler{}
	q := New(Config{
		QueueSize:    10,
		WorkerCount:  1,
		Active:       activeState(true),
		Handler:      handler,
		Dedup:        &fakeDedup{},
		PollInterval: 10 * time.Millisecond,
	})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(Item{ExternalID: "same"})
	q.Enqueue(Item{ExternalID: "same"})

	waitFor(t, time.Second, func() bool { return q.Stats().Duplicates == 1 })
	if handler.count() != 1 {
		t.Fatalf("handler ran %d times, want 1", handler.count())
	}
}

func TestQueue_DedupFailsOpen(t *testing.T) {
	handler := &recordingHandler{}
	q := New(Config{
		QueueSize:    10,
		WorkerCount:  1,
		Active:       activeState(true),
		Handler:      handler,
		Dedup:        &fakeDedup{err: errors.New("store down")},
		PollInterval: 10 * time.Millisecond,
	})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(Item{ExternalID: "x"})
	waitFor(t, time.Second, func() bool { return handler.count() == 1 })
}

func TestQueue_DispatchTimeoutDoesNotKillWorker(t *testing.T) {
	handler := &recordingHandler{block: time.Second}
	q := New(Config{
		QueueSize:       10,
		WorkerCount:     1,
		Active:          activeState(true),
		Handler:         handler,
		DispatchTimeout: 20 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(Item{ExternalID: "slow"})
	waitFor(t, time.Second, func() bool { return q.Stats().Errors == 1 })

	// The worker survives and keeps draining.
	handler.mu.Lock()
	handler.block = 0
	handler.mu.Unlock()
	q.Enqueue(Item{ExternalID: "fast"})
	waitFor(t, time.Second, func() bool { return q.Stats().Processed == 1 })
}

func TestQueue_HandlerPanicIsIsolated(t *testing.T) {
	handler := &recordingHandler{panic: true}
	q := New(Config{
		QueueSize:    10,
		WorkerCount:  1,
		Active:       activeState(true),
		Handler:      handler,
		PollInterval: 10 * time.Millisecond,
	})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(Item{ExternalID: "boom"})
	waitFor(t, time.Second, func() bool { return q.Stats().Errors == 1 })

	handler.mu.Lock()
	handler.panic = false
	handler.mu.Unlock()
	q.Enqueue(Item{ExternalID: "ok"})
	waitFor(t, time.Second, func() bool { return q.Stats().Processed == 1 })
}

func TestQueue_StatsUtilizationAndBackpressure(t *testing.T) {
	q := New(Config{
		QueueSize:                    10,
		Active:                       activeState(true),
		Handler:                      &recordingHandler{},
		BackpressureThresholdPercent: 80,
	})

	for i := 0; i < 7; i++ {
		q.Enqueue(Item{ExternalID: fmt.Sprintf("s-%d", i)})
	}
	stats := q.Stats()
	if stats.Utilization != 70 {
		t.Fatalf("Utilization = %v, want 70", stats.Utilization)
	}
	if stats.BackpressureActive {
		t.Fatal("backpressure raised below threshold")
	}

	q.Enqueue(Item{ExternalID: "s-8"})
	stats = q.Stats()
	if !stats.BackpressureActive {
		t.Fatalf("backpressure not raised at %v%%", stats.Utilization)
	}
}

func TestQueue_SetPassiveAllowListLive(t *testing.T) {
	handler := &recordingHandler{}
	q := New(Config{
		QueueSize:    10,
		WorkerCount:  1,
		Active:       activeState(false),
		Handler:      handler,
		PollInterval: 10 * time.Millisecond,
	})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(Item{ExternalID: "1", Operation: "menu"})
	waitFor(t, time.Second, func() bool { return q.Stats().Held == 1 })

	q.SetPassiveAllowList([]string{"menu"})
	q.Enqueue(Item{ExternalID: "2", Operation: "menu"})
	waitFor(t, time.Second, func() bool { return handler.count() == 1 })
}
