package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lanekit/solobot/internal/singleton"
	"github.com/lanekit/solobot/internal/store"
)

type fakeOrphanStore struct {
	mu      sync.Mutex
	orphans []store.OrphanCallback
	jobs    map[string]*store.Job

	completed map[string]store.JobStatus
	marked    map[string]string
	listErr   error
}

func newFakeOrphanStore() *fakeOrphanStore {
	return &fakeOrphanStore{
		jobs:      make(map[string]*store.Job),
		completed: make(map[string]store.JobStatus),
		marked:    make(map[string]string),
	}
}

func (f *fakeOrphanStore) ListUnprocessedOrphans(_ context.Context, limit int) ([]store.OrphanCallback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []store.OrphanCallback
	for _, o := range f.orphans {
		if _, done := f.marked[o.ID]; done {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOrphanStore) GetJobByExternalTaskID(_ context.Context, externalTaskID string) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[externalTaskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeOrphanStore) CompleteJob(_ context.Context, id string, status store.JobStatus, result, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = status
	return nil
}

func (f *fakeOrphanStore) MarkOrphanProcessed(_ context.Context, id string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[id] = errMsg
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []int64
	err       error
}

func (n *fakeNotifier) DeliverResult(_ context.Context, chatID int64, result, jobErr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, chatID)
	return n.err
}

func newReconciler(st *fakeOrphanStore, n ResultNotifier) *Reconciler {
	active := singleton.NewActiveState()
	active.Set(true, "test")
	return New(Config{
		Store:    st,
		Notifier: n,
		Active:   active,
		Timeout:  30 * time.Minute,
	})
}

func TestReconciler_MatchedOrphanCompletesJobAndDelivers(t *testing.T) {
	st := newFakeOrphanStore()
	st.jobs["task-1"] = &store.Job{ID: "job-1", ExternalTaskID: "task-1", ChatID: 42}
	st.orphans = []store.OrphanCallback{{
		ID:             "orph-1",
		ExternalTaskID: "task-1",
		Payload:        []byte(`{"status":"succeeded","result":"done"}`),
		ReceivedAt:     time.Now().Add(-time.Minute),
	}}
	notifier := &fakeNotifier{}
	r := newReconciler(st, notifier)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if st.completed["job-1"] != store.JobStatusCompleted {
		t.Fatalf("job status = %q, want COMPLETED", st.completed["job-1"])
	}
	if msg, ok := st.marked["orph-1"]; !ok || msg != "" {
		t.Fatalf("orphan marked = (%q, %v), want processed with no error", msg, ok)
	}
	if len(notifier.delivered) != 1 || notifier.delivered[0] != 42 {
		t.Fatalf("delivered = %v, want [42]", notifier.delivered)
	}
}

func TestReconciler_FailedPayloadMarksJobFailed(t *testing.T) {
	st := newFakeOrphanStore()
	st.jobs["task-2"] = &store.Job{ID: "job-2", ExternalTaskID: "task-2", ChatID: 7}
	st.orphans = []store.OrphanCallback{{
		ID:             "orph-2",
		ExternalTaskID: "task-2",
		Payload:        []byte(`{"status":"failed","error":"provider exploded"}`),
		ReceivedAt:     time.Now(),
	}}
	r := newReconciler(st, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if st.completed["job-2"] != store.JobStatusFailed {
		t.Fatalf("job status = %q, want FAILED", st.completed["job-2"])
	}
}

func TestReconciler_UnmatchedYoungOrphanIsLeftAlone(t *testing.T) {
	st := newFakeOrphanStore()
	st.orphans = []store.OrphanCallback{{
		ID:             "orph-3",
		ExternalTaskID: "never",
		Payload:        []byte(`{}`),
		ReceivedAt:     time.Now().Add(-29 * time.Minute),
	}}
	r := newReconciler(st, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, done := st.marked["orph-3"]; done {
		t.Fatal("orphan inside the timeout window must be left for the next tick")
	}
}

func TestReconciler_ExpiryExactlyAtBoundary(t *testing.T) {
	received := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeOrphanStore()
	st.orphans = []store.OrphanCallback{{
		ID:             "orph-4",
		ExternalTaskID: "never",
		Payload:        []byte(`{}`),
		ReceivedAt:     received,
	}}
	r := newReconciler(st, nil)

	// One nanosecond before the boundary: untouched.
	r.now = func() time.Time { return received.Add(30*time.Minute - time.Nanosecond) }
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, done := st.marked["orph-4"]; done {
		t.Fatal("orphan expired before the timeout boundary")
	}

	// Exactly at the boundary: terminal error.
	r.now = func() time.Time { return received.Add(30 * time.Minute) }
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	msg, done := st.marked["orph-4"]
	if !done {
		t.Fatal("orphan not expired at the timeout boundary")
	}
	if msg == "" {
		t.Fatal("expired orphan must carry a non-empty error")
	}
}

func TestReconciler_MalformedPayloadIsTerminal(t *testing.T) {
	st := newFakeOrphanStore()
	st.jobs["task-5"] = &store.Job{ID: "job-5", ExternalTaskID: "task-5"}
	st.orphans = []store.OrphanCallback{{
		ID:             "orph-5",
		ExternalTaskID: "task-5",
		Payload:        []byte(`{not json`),
		ReceivedAt:     time.Now(),
	}}
	r := newReconciler(st, nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	msg, done := st.marked["orph-5"]
	if !done || msg == "" {
		t.Fatalf("malformed orphan marked = (%q, %v), want terminal error", msg, done)
	}
	if len(st.completed) != 0 {
		t.Fatal("malformed payload must not touch the job")
	}
}

func TestReconciler_DeliveryFailureStillMarksProcessed(t *testing.T) {
	st := newFakeOrphanStore()
	st.jobs["task-6"] = &store.Job{ID: "job-6", ExternalTaskID: "task-6", ChatID: 9}
	st.orphans = []store.OrphanCallback{{
		ID:             "orph-6",
		ExternalTaskID: "task-6",
		Payload:        []byte(`{"status":"succeeded","result":"ok"}`),
		ReceivedAt:     time.Now(),
	}}
	r := newReconciler(st, &fakeNotifier{err: errors.New("telegram down")})

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if msg, done := st.marked["orph-6"]; !done || msg != "" {
		t.Fatalf("orphan marked = (%q, %v), want processed without error", msg, done)
	}
}

func TestReconciler_SkipsTicksWhilePassive(t *testing.T) {
	st := newFakeOrphanStore()
	st.orphans = []store.OrphanCallback{{
		ID:             "orph-7",
		ExternalTaskID: "never",
		Payload:        []byte(`{}`),
		ReceivedAt:     time.Now().Add(-time.Hour),
	}}
	r := New(Config{
		Store:    st,
		Active:   singleton.NewActiveState(),
		Interval: 10 * time.Millisecond,
		Timeout:  30 * time.Minute,
	})
	r.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	r.Stop()

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.marked) != 0 {
		t.Fatal("passive instance must not process orphans")
	}
}

func TestReconciler_BatchRespectsLimit(t *testing.T) {
	st := newFakeOrphanStore()
	for i := 0; i < 5; i++ {
		st.orphans = append(st.orphans, store.OrphanCallback{
			ID:             string(rune('a' + i)),
			ExternalTaskID: "never",
			Payload:        []byte(`{}`),
			ReceivedAt:     time.Now().Add(-time.Hour),
		})
	}
	active := singleton.NewActiveState()
	active.Set(true, "test")
	r := New(Config{Store: st, Active: active, BatchSize: 2, Timeout: 30 * time.Minute})

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(st.marked) != 2 {
		t.Fatalf("processed %d orphans, want batch-limited 2", len(st.marked))
	}
}
