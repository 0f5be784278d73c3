// Package gateway is the HTTP surface of the service: the fast-ack intake
// webhook, the provider result callback, diagnostics, and a websocket
// stream of internal events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lanekit/solobot/internal/bus"
	"github.com/lanekit/solobot/internal/intake"
	"github.com/lanekit/solobot/internal/singleton"
	"github.com/lanekit/solobot/internal/store"
)

// JobStore is the persistence surface the callback handler needs.
// *store.Store satisfies it.
type JobStore interface {
	GetJobByExternalTaskID(ctx context.Context, externalTaskID string) (*store.Job, error)
	CompleteJob(ctx context.Context, id string, status store.JobStatus, result, errMsg string) error
	InsertOrphan(ctx context.Context, externalTaskID string, payload []byte) (*store.OrphanCallback, error)
}

// LockInspector exposes the lock-holder view used by the diagnostics
// endpoint. *store.Store satisfies it.
type LockInspector interface {
	InspectLockHolder(ctx context.Context, key singleton.LockKey) (*singleton.HolderInfo, error)
	HeartbeatAge(ctx context.Context, key singleton.LockKey) (time.Duration, bool, error)
}

// ResultNotifier delivers a finished job's outcome to its recipient.
type ResultNotifier interface {
	DeliverResult(ctx context.Context, chatID int64, result, jobErr string) error
}

type Config struct {
	Controller *singleton.LockController
	LockKey    singleton.LockKey
	Locks      LockInspector // nil omits holder fields from statusz
	Queue      *intake.Queue
	Jobs       JobStore
	Notifier   ResultNotifier // nil skips result delivery
	Events     *bus.Bus
	Logger     *slog.Logger

	// IntakeSecret, when non-empty, must match the webhook secret header
	// on POST /intake. Empty disables the check.
	IntakeSecret string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	takeoverMu   sync.Mutex
	lastTakeover *bus.TakeoverEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

// Start launches the takeover-event tracker feeding GET /statusz.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Events == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.trackTakeovers(ctx)
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Server) trackTakeovers(ctx context.Context) {
	defer s.wg.Done()
	sub := s.cfg.Events.Subscribe(bus.TopicTakeover)
	defer s.cfg.Events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if t, ok := ev.Payload.(bus.TakeoverEvent); ok {
				s.takeoverMu.Lock()
				s.lastTakeover = &t
				s.takeoverMu.Unlock()
			}
		}
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/intake", s.handleIntake)
	mux.HandleFunc("/callback", s.handleCallback)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Both instances answer healthz; the load balancer routes by liveness,
// not by ACTIVE/PASSIVE.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// statusPayload is the diagnostics snapshot for operators.
type statusPayload struct {
	State            singleton.State    `json:"state"`
	InstanceID       string             `json:"instance_id"`
	LockAcquiredAt   *time.Time         `json:"lock_acquired_at,omitempty"`
	LockHolderPID    int                `json:"lock_holder_pid,omitempty"`
	LockIdleDuration string             `json:"lock_idle_duration,omitempty"`
	HeartbeatAge     string             `json:"heartbeat_age,omitempty"`
	LastTakeover     *bus.TakeoverEvent `json:"last_takeover_event,omitempty"`
	QueueDepth       int                `json:"queue_depth"`
	QueueMax         int                `json:"queue_max"`
	DropRate         float64            `json:"drop_rate"`
	Backpressure     bool               `json:"backpressure_active"`
	Queue            intake.Stats       `json:"queue"`
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	snap := s.cfg.Controller.Snapshot()
	stats := s.cfg.Queue.Stats()

	p := statusPayload{
		State:        snap.State,
		InstanceID:   snap.InstanceID,
		QueueDepth:   stats.Depth,
		QueueMax:     stats.Capacity,
		Backpressure: stats.BackpressureActive,
		Queue:        stats,
	}
	if !snap.LockAcquiredAt.IsZero() {
		p.LockAcquiredAt = &snap.LockAcquiredAt
	}
	if stats.Received > 0 {
		p.DropRate = float64(stats.Dropped) / float64(stats.Received+stats.Dropped)
	}

	if s.cfg.Locks != nil {
		if holder, err := s.cfg.Locks.InspectLockHolder(ctx, s.cfg.LockKey); err != nil {
			s.logger.Warn("statusz holder inspection failed", "error", err)
		} else if holder != nil {
			p.LockHolderPID = holder.PID
			p.LockIdleDuration = holder.IdleFor.Truncate(time.Millisecond).String()
		}
		if age, found, err := s.cfg.Locks.HeartbeatAge(ctx, s.cfg.LockKey); err != nil {
			s.logger.Warn("statusz heartbeat lookup failed", "error", err)
		} else if found {
			p.HeartbeatAge = age.Truncate(time.Millisecond).String()
		}
	}

	s.takeoverMu.Lock()
	p.LastTakeover = s.lastTakeover
	s.takeoverMu.Unlock()

	writeJSON(w, http.StatusOK, p)
}

// authorizeIntake checks the webhook secret header in constant time.
func (s *Server) authorizeIntake(r *http.Request) bool {
	if s.cfg.IntakeSecret == "" {
		return true
	}
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.IntakeSecret)) == 1
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
