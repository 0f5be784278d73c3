package intake

// Stats is a point-in-time snapshot of queue accounting, exposed on the
// diagnostics endpoint.
type Stats struct {
	Received   int64 `json:"received"`
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
	Held       int64 `json:"held"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`

	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`

	// Utilization is Depth/Capacity in percent.
	Utilization float64 `json:"utilization"`

	// BackpressureActive flags utilization above the configured
	// threshold so callers can shed load upstream pre-emptively.
	BackpressureActive bool `json:"backpressure_active"`
}

func (q *Queue) Stats() Stats {
	depth := len(q.items)
	utilization := float64(depth) / float64(q.cfg.QueueSize) * 100
	return Stats{
		Received:           q.received.Load(),
		Processed:          q.processed.Load(),
		Dropped:            q.dropped.Load(),
		Held:               q.held.Load(),
		Duplicates:         q.duplicates.Load(),
		Errors:             q.errs.Load(),
		Depth:              depth,
		Capacity:           q.cfg.QueueSize,
		Utilization:        utilization,
		BackpressureActive: utilization >= float64(q.cfg.BackpressureThresholdPercent),
	}
}
