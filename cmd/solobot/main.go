// solobot is a single-active-instance Telegram service: any number of
// replicas may run, but a Postgres advisory lock elects exactly one
// ACTIVE instance; the rest stand by PASSIVE and answer only an
// allow-listed set of commands until they win the lock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lanekit/solobot/internal/bus"
	"github.com/lanekit/solobot/internal/channels"
	"github.com/lanekit/solobot/internal/config"
	"github.com/lanekit/solobot/internal/gateway"
	"github.com/lanekit/solobot/internal/housekeeping"
	"github.com/lanekit/solobot/internal/intake"
	otelPkg "github.com/lanekit/solobot/internal/otel"
	"github.com/lanekit/solobot/internal/reconcile"
	"github.com/lanekit/solobot/internal/singleton"
	"github.com/lanekit/solobot/internal/store"
	"github.com/lanekit/solobot/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if err := run(ctx, cfg, logger); err != nil {
		fatalStartup(logger, "E_RUNTIME", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	instanceID := uuid.NewString()
	logger = logger.With("instance_id", instanceID)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("otel instruments: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.DSN, store.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_ready")

	events := bus.New()

	var notifier channels.Notifier = channels.NoopNotifier{}
	if cfg.Telegram.Enabled {
		tg, err := channels.NewTelegramNotifier(cfg.Telegram.Token, logger)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		notifier = tg
	}

	// The lock key is derived from the bot credential so every replica of
	// the same bot contends for the same lock, while unrelated
	// deployments sharing the database never collide.
	identity := cfg.Telegram.Token
	if identity == "" {
		identity = cfg.Database.DSN
	}
	lockKey := singleton.DeriveLockKey(cfg.Singleton.Namespace, identity)
	logger.Info("lock key derived", "namespace", cfg.Singleton.Namespace, "lock_key", int64(lockKey))

	lock := singleton.NewDistributedLock(st, singleton.LockConfig{
		Key:                lockKey,
		InstanceID:         instanceID,
		StaleIdleThreshold: cfg.Singleton.StaleIdleThreshold(),
		TakeoverGrace:      cfg.Singleton.TakeoverGrace(),
		HeartbeatInterval:  cfg.Singleton.HeartbeatInterval(),
		Metrics:            metrics,
	}, events, logger)

	active := singleton.NewActiveState()

	controller := singleton.NewLockController(singleton.ControllerConfig{
		Lock:       lock,
		Active:     active,
		Events:     events,
		Notifier:   notifier,
		Metrics:    metrics,
		Logger:     logger,
		InstanceID: instanceID,
		OnActivate: func(ctx context.Context) error {
			if err := st.Ping(ctx); err != nil {
				return fmt.Errorf("activation store check: %w", err)
			}
			logger.Info("instance activated, processing updates")
			return nil
		},
		BackoffBase:    cfg.Singleton.WatcherBackoffBase(),
		BackoffCap:     cfg.Singleton.WatcherBackoffCap(),
		NoticeThrottle: cfg.Singleton.PassiveNoticeThrottle(),
		ForceActive:    cfg.Singleton.ForceActive,
	})

	monitor := singleton.NewMonitor(controller, active, events, logger)

	queue := intake.New(intake.Config{
		QueueSize:                    cfg.Intake.QueueSize,
		WorkerCount:                  cfg.Intake.WorkerCount,
		DispatchTimeout:              cfg.Intake.DispatchTimeout(),
		PassiveAllowList:             cfg.Intake.PassiveAllowList,
		BackpressureThresholdPercent: cfg.Intake.BackpressureThresholdPercent,
		Active:                       active,
		Handler:                      newDispatcher(st, notifier, logger),
		Dedup:                        st,
		Responder:                    notifier,
		Events:                       events,
		Logger:                       logger,
		Metrics:                      metrics,
	})

	reconciler := reconcile.New(reconcile.Config{
		Store:     st,
		Notifier:  notifier,
		Active:    active,
		Events:    events,
		Logger:    logger,
		Metrics:   metrics,
		Interval:  cfg.Reconciler.Interval(),
		BatchSize: cfg.Reconciler.BatchSize,
		Timeout:   cfg.Reconciler.OrphanTimeout(),
	})

	keeper, err := housekeeping.New(housekeeping.Config{
		Store:              st,
		Active:             active,
		Logger:             logger,
		Schedule:           cfg.Housekeeping.Schedule,
		HeartbeatRetention: time.Duration(cfg.Housekeeping.HeartbeatMaxAgeHours) * time.Hour,
		OrphanRetention:    time.Duration(cfg.Housekeeping.OrphanRetentionDays) * 24 * time.Hour,
		DedupRetention:     time.Duration(cfg.Housekeeping.DedupRetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}

	gw := gateway.New(gateway.Config{
		Controller:   controller,
		LockKey:      lockKey,
		Locks:        st,
		Queue:        queue,
		Jobs:         st,
		Notifier:     notifier,
		Events:       events,
		Logger:       logger,
		IntakeSecret: cfg.IntakeSecret,
		AllowOrigins: cfg.AllowOrigins,
	})

	// Start order: workers first so nothing enqueued is stranded, then
	// coordination, then the HTTP surface that feeds the queue.
	queue.Start(ctx)
	controller.Start(ctx)
	monitor.Start(ctx)
	reconciler.Start(ctx)
	keeper.Start(ctx)
	gw.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, live reload disabled", "error", err)
	} else {
		go applyReloads(ctx, watcher, queue, logger)
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "running", "state", controller.Snapshot().State)

	select {
	case err := <-serverErr:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	// Shutdown order: stop taking traffic, drain the queue, stop the
	// background loops, then hand the lock back so the peer can take
	// over immediately instead of waiting out the stale threshold.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway drain incomplete", "error", err)
	}
	gw.Stop()
	queue.Stop()
	reconciler.Stop()
	keeper.Stop()
	monitor.Stop()
	controller.Stop(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}

// applyReloads applies the config knobs that are safe to change live.
func applyReloads(ctx context.Context, watcher *config.Watcher, queue *intake.Queue, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			fresh, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed, keeping previous settings", "error", err)
				continue
			}
			queue.SetPassiveAllowList(fresh.Intake.PassiveAllowList)
			logger.Info("config reloaded", "passive_allow_list", fresh.Intake.PassiveAllowList)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
