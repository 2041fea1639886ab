// Package metrics exposes the daemon's Prometheus metrics as one
// Collector struct of vectors, registered in a single place.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "pico_continuousd"
	subsystem = "auth"
)

const (
	labelChannelType = "channel_type"
	labelResult      = "result"
	labelErrorKind   = "error_kind"
)

// Collector holds every metric the daemon reports and registers them all
// against a prometheus.Registerer in one place.
type Collector struct {
	// Sessions tracks the number of currently live sessions, by channel
	// type. Incremented on StartAuth success, decremented on session end.
	Sessions *prometheus.GaugeVec

	// SessionStarts counts sessions that started successfully, by channel
	// type.
	SessionStarts *prometheus.CounterVec

	// AuthResults counts completed CompleteAuth outcomes, labeled
	// "success" or "failure".
	AuthResults *prometheus.CounterVec

	// TransportErrors counts transport-layer errors, by kind
	// (transient/fatal/busy).
	TransportErrors *prometheus.CounterVec

	// Locks counts screen-lock commands fired.
	Locks prometheus.Counter

	// RegistryFull counts StartAuth calls rejected for registry capacity.
	RegistryFull prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.SessionStarts,
		c.AuthResults,
		c.TransportErrors,
		c.Locks,
		c.RegistryFull,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of live authentication sessions.",
		}, []string{labelChannelType}),

		SessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_starts_total",
			Help:      "Total StartAuth calls, by channel type.",
		}, []string{labelChannelType}),

		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "results_total",
			Help:      "Total completed authentications, by result.",
		}, []string{labelResult}),

		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_errors_total",
			Help:      "Total transport errors, by kind.",
		}, []string{labelErrorKind}),

		Locks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "screen_locks_total",
			Help:      "Total screen-lock commands fired.",
		}),

		RegistryFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registry_exhausted_total",
			Help:      "Total StartAuth calls rejected for registry capacity.",
		}),
	}
}

// RegisterSession records a new live session of the given channel type.
func (c *Collector) RegisterSession(channelType string) {
	c.Sessions.WithLabelValues(channelType).Inc()
	c.SessionStarts.WithLabelValues(channelType).Inc()
}

// UnregisterSession records that a live session ended.
func (c *Collector) UnregisterSession(channelType string) {
	c.Sessions.WithLabelValues(channelType).Dec()
}

// RecordAuthResult records a completed CompleteAuth outcome: "success" or
// "failure".
func (c *Collector) RecordAuthResult(result string) {
	c.AuthResults.WithLabelValues(result).Inc()
}

// RecordTransportError records a transport-layer error by kind.
func (c *Collector) RecordTransportError(kind string) {
	c.TransportErrors.WithLabelValues(kind).Inc()
}

// IncLocks records a fired screen-lock command.
func (c *Collector) IncLocks() { c.Locks.Inc() }

// IncRegistryFull records a StartAuth rejected for capacity.
func (c *Collector) IncRegistryFull() { c.RegistryFull.Inc() }
