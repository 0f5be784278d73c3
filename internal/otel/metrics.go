package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all solobot metric instruments.
type Metrics struct {
	LockAcquireDuration metric.Float64Histogram
	LockTakeovers       metric.Int64Counter
	HeartbeatFailures   metric.Int64Counter
	StateTransitions    metric.Int64Counter
	ItemsReceived       metric.Int64Counter
	ItemsProcessed      metric.Int64Counter
	ItemsDropped        metric.Int64Counter
	ItemsHeld           metric.Int64Counter
	DispatchErrors      metric.Int64Counter
	DispatchDuration    metric.Float64Histogram
	QueueDepth          metric.Int64UpDownCounter
	OrphansResolved     metric.Int64Counter
	OrphansExpired      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LockAcquireDuration, err = meter.Float64Histogram("solobot.lock.acquire.duration",
		metric.WithDescription("Advisory lock acquisition attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockTakeovers, err = meter.Int64Counter("solobot.lock.takeovers",
		metric.WithDescription("Stale-holder takeover count"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatFailures, err = meter.Int64Counter("solobot.heartbeat.failures",
		metric.WithDescription("Heartbeat upsert failure count"),
	)
	if err != nil {
		return nil, err
	}

	m.StateTransitions, err = meter.Int64Counter("solobot.singleton.transitions",
		metric.WithDescription("PASSIVE/ACTIVE state transition count"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsReceived, err = meter.Int64Counter("solobot.intake.received",
		metric.WithDescription("Intake items accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsProcessed, err = meter.Int64Counter("solobot.intake.processed",
		metric.WithDescription("Intake items dispatched successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsDropped, err = meter.Int64Counter("solobot.intake.dropped",
		metric.WithDescription("Intake items shed due to a full queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsHeld, err = meter.Int64Counter("solobot.intake.held",
		metric.WithDescription("Intake items answered with retry-shortly while passive"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("solobot.intake.dispatch_errors",
		metric.WithDescription("Handler errors and timeouts during dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("solobot.intake.dispatch.duration",
		metric.WithDescription("Handler dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("solobot.intake.depth",
		metric.WithDescription("Current intake queue depth"),
	)
	if err != nil {
		return nil, err
	}

	m.OrphansResolved, err = meter.Int64Counter("solobot.orphan.resolved",
		metric.WithDescription("Orphan callbacks matched to a job"),
	)
	if err != nil {
		return nil, err
	}

	m.OrphansExpired, err = meter.Int64Counter("solobot.orphan.expired",
		metric.WithDescription("Orphan callbacks that timed out without a match"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
