package proxy

import (
	"context"
	"time"

	"mcpebalancer/internal/metrics"
	"mcpebalancer/internal/session"
)

// Reaper periodically removes idle sessions from a Table. Separated from
// Table itself so its cadence is driven by configuration (reap_interval)
// rather than hardcoded, unlike Summpot-prism's fixed 1s sweepLoop. It also
// reports the table's live count to Metrics on the same cadence, per spec
// §4.10: the session-count gauge only needs low-frequency sampling, not a
// per-packet update on the data-plane hot path.
type Reaper struct {
	Sessions *session.Table
	MaxIdle  time.Duration
	Interval time.Duration
	Metrics  *metrics.Collector
}

// Run blocks, reaping idle sessions every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sessions.ReapIdle(time.Now(), r.MaxIdle)
			if r.Metrics != nil {
				r.Metrics.SetSessionsActive(r.Sessions.Count())
			}
		}
	}
}
