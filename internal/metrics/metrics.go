// Package metrics holds the prometheus collectors shared by the connection
// supervisor, the latency ranker and the API gateway. A nil *Collectors is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ppy_client"

type Collectors struct {
	ConnectionState  prometheus.Gauge
	StateTransitions prometheus.Counter
	Reconnects       prometheus.Counter
	RetriesScheduled prometheus.Counter
	ProbeLatency     prometheus.Histogram
	ProbeFailures    prometheus.Counter
	APIErrors        *prometheus.CounterVec
	PollTimeouts     prometheus.Counter
	Broadcasts       prometheus.Counter
}

// New builds the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}),
		StateTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect cycles triggered by transport loss.",
		}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delayed_retries_total",
			Help:      "Delayed full reconnect retries scheduled.",
		}),
		ProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_probe_seconds",
			Help:      "Round trip latency of endpoint probes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_probe_failures_total",
			Help:      "Endpoint probes that failed or timed out.",
		}),
		APIErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "API gateway calls degraded to an empty result.",
		}, []string{"plugin", "method"}),
		PollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "object_poll_timeouts_total",
			Help:      "Object lookups that exhausted their polling attempts.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_broadcast_total",
			Help:      "Signed transactions submitted for broadcast.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.ConnectionState,
			c.StateTransitions,
			c.Reconnects,
			c.RetriesScheduled,
			c.ProbeLatency,
			c.ProbeFailures,
			c.APIErrors,
			c.PollTimeouts,
			c.Broadcasts,
		)
	}
	return c
}

func (c *Collectors) SetState(code int) {
	if c == nil {
		return
	}
	c.ConnectionState.Set(float64(code))
	c.StateTransitions.Inc()
}

func (c *Collectors) Reconnect() {
	if c == nil {
		return
	}
	c.Reconnects.Inc()
}

func (c *Collectors) RetryScheduled() {
	if c == nil {
		return
	}
	c.RetriesScheduled.Inc()
}

func (c *Collectors) ObserveProbe(d time.Duration, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ProbeFailures.Inc()
		return
	}
	c.ProbeLatency.Observe(d.Seconds())
}

func (c *Collectors) APIError(plugin, method string) {
	if c == nil {
		return
	}
	c.APIErrors.WithLabelValues(plugin, method).Inc()
}

func (c *Collectors) PollTimeout() {
	if c == nil {
		return
	}
	c.PollTimeouts.Inc()
}

func (c *Collectors) Broadcast() {
	if c == nil {
		return
	}
	c.Broadcasts.Inc()
}
