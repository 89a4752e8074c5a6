// Package metrics wraps a Prometheus registry with the typed collectors the
// proxy exposes, grounded on JeelKantaria-db-bouncer's internal/metrics
// Collector. Unlike that teacher, which is called directly from request
// handling, this Collector subscribes to internal/events and updates its
// gauges/counters off the event stream. The one exception is DropDatagram,
// which the frontend calls inline on the data-plane hot path.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"mcpebalancer/internal/events"
)

// Collector owns a private Prometheus registry and the typed metric objects
// the proxy reports.
type Collector struct {
	Registry *prometheus.Registry

	backendHealth    *prometheus.GaugeVec
	backendSessions  *prometheus.GaugeVec
	sessionsActive   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	probeRTT         *prometheus.HistogramVec
	reloadsTotal     prometheus.Counter
	motdRefreshTotal *prometheus.CounterVec
	droppedDatagrams *prometheus.CounterVec
}

// New builds a Collector and registers all of its metrics.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcbeproxy_backend_health",
			Help: "Backend health state: 1 if up, 0 otherwise.",
		}, []string{"backend"}),
		backendSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcbeproxy_backend_sessions",
			Help: "Live client sessions currently routed to each backend.",
		}, []string{"backend"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcbeproxy_sessions_active",
			Help: "Number of currently open client sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcbeproxy_sessions_opened_total",
			Help: "Total sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcbeproxy_sessions_closed_total",
			Help: "Total sessions closed, by reason.",
		}, []string{"reason"}),
		probeRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcbeproxy_probe_rtt_seconds",
			Help:    "Health probe round-trip time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcbeproxy_reloads_total",
			Help: "Total completed configuration reloads.",
		}),
		motdRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcbeproxy_motd_refresh_total",
			Help: "Total MOTD refreshes, by outcome.",
		}, []string{"synthetic"}),
		droppedDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcbeproxy_dropped_datagrams_total",
			Help: "Total inbound datagrams dropped, by reason.",
		}, []string{"reason"}),
	}

	c.Registry.MustRegister(
		c.backendHealth,
		c.backendSessions,
		c.sessionsActive,
		c.sessionsOpened,
		c.sessionsClosed,
		c.probeRTT,
		c.reloadsTotal,
		c.motdRefreshTotal,
		c.droppedDatagrams,
	)
	return c
}

// DropDatagram records a dropped inbound datagram. Called directly from the
// frontend's hot path, since it is a single atomic-add-backed counter
// increment rather than a blocking call — spec §4.10 only requires that
// subscribing to the event bus be the mechanism for state that isn't already
// cheap to update in place.
func (c *Collector) DropDatagram(reason string) {
	c.droppedDatagrams.WithLabelValues(reason).Inc()
}

// SetSessionsActive sets the live session gauge directly from the session
// table's Count(), called on a low-frequency ticker rather than per packet.
func (c *Collector) SetSessionsActive(n int) {
	c.sessionsActive.Set(float64(n))
}

// Subscribe attaches the Collector to bus and updates metrics from published
// events until ctx is cancelled.
func (c *Collector) Subscribe(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.handle(ev)
			}
		}
	}()
}

func (c *Collector) handle(ev events.Event) {
	switch ev.Kind {
	case events.BackendUp:
		data := ev.Data.(events.BackendHealthData)
		c.backendHealth.WithLabelValues(data.BackendID).Set(1)
		c.probeRTT.WithLabelValues(data.BackendID).Observe(data.RTT.Seconds())
	case events.BackendDown:
		data := ev.Data.(events.BackendHealthData)
		c.backendHealth.WithLabelValues(data.BackendID).Set(0)
	case events.SessionOpened:
		c.sessionsOpened.Inc()
		if data, ok := ev.Data.(events.SessionData); ok && data.BackendID != "" {
			c.backendSessions.WithLabelValues(data.BackendID).Inc()
		}
	case events.SessionClosed:
		data, _ := ev.Data.(events.SessionData)
		c.sessionsClosed.WithLabelValues(data.Reason).Inc()
		if data.BackendID != "" {
			c.backendSessions.WithLabelValues(data.BackendID).Dec()
		}
	case events.ReloadComplete:
		c.reloadsTotal.Inc()
	case events.MotdRefreshed:
		data := ev.Data.(events.MotdRefreshData)
		c.motdRefreshTotal.WithLabelValues(boolLabel(data.Synthetic)).Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RemoveBackend drops a backend's per-backend metric series once it's been
// removed from the fleet for good, mirroring the teacher's RemoveTenant.
func (c *Collector) RemoveBackend(id string) {
	c.backendHealth.DeleteLabelValues(id)
	c.backendSessions.DeleteLabelValues(id)
	c.probeRTT.DeletePartialMatch(prometheus.Labels{"backend": id})
}
