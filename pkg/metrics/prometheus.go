// Package metrics exposes Prometheus collectors for the REST executor, the
// WebSocket session and the user stream runner. A nil *Collectors is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collectors struct {
	RESTRequests *prometheus.CounterVec
	RESTRetries  *prometheus.CounterVec
	RESTLatency  *prometheus.HistogramVec

	RateLimitWait     *prometheus.HistogramVec
	RateLimitTimeouts *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec

	WSConnects    *prometheus.CounterVec
	WSMessages    *prometheus.CounterVec
	WSDisconnects *prometheus.CounterVec

	SubscriptionRejections *prometheus.CounterVec

	StreamEvents     *prometheus.CounterVec
	StreamDropped    *prometheus.CounterVec
	StreamGaps       *prometheus.CounterVec
	StreamReconnects *prometheus.CounterVec
	StreamState      *prometheus.GaugeVec
	QueueDepth       *prometheus.GaugeVec

	SinkMessages *prometheus.CounterVec
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg leaves them unregistered.
func New(namespace string, reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		RESTRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rest_requests_total",
				Help:      "Total number of REST executions by final outcome",
			},
			[]string{"exchange", "limit_id", "outcome"}, // outcome: success|<error type>
		),
		RESTRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rest_retries_total",
				Help:      "Total number of REST retry attempts",
			},
			[]string{"exchange", "error_type"},
		),
		RESTLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rest_latency_seconds",
				Help:      "REST execution latency including retries",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"exchange", "limit_id"},
		),
		RateLimitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ratelimit_wait_seconds",
				Help:      "Time spent waiting for a rate limit permit",
				Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"limit_id"},
		),
		RateLimitTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_timeouts_total",
				Help:      "Permit requests that hit their deadline",
			},
			[]string{"limit_id"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"exchange"},
		),
		WSConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_connects_total",
				Help:      "WebSocket connect attempts",
			},
			[]string{"exchange", "status"}, // status: success|error
		),
		WSMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "WebSocket frames by direction",
			},
			[]string{"exchange", "direction"}, // direction: in|out|ping
		),
		WSDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_disconnects_total",
				Help:      "WebSocket connections ended, by reason",
			},
			[]string{"exchange", "reason"},
		),
		SubscriptionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_rejections_total",
				Help:      "Subscriptions refused by the server",
			},
			[]string{"exchange", "channel"},
		),
		StreamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_total",
				Help:      "Events published to the user stream queue",
			},
			[]string{"exchange", "kind"},
		),
		StreamDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_dropped_total",
				Help:      "Events dropped by queue policy or push timeout",
			},
			[]string{"exchange", "channel"},
		),
		StreamGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_gaps_total",
				Help:      "Gap markers emitted",
			},
			[]string{"exchange", "reason"},
		),
		StreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_reconnects_total",
				Help:      "User stream recovery cycles",
			},
			[]string{"exchange"},
		),
		StreamState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_state",
				Help:      "User stream runner state",
			},
			[]string{"exchange"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_queue_depth",
				Help:      "Events waiting in the user stream queue",
			},
			[]string{"exchange"},
		),
		SinkMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_messages_total",
				Help:      "Events handed to the sink by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(c.all()...)
	}
	return c
}

func (c *Collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.RESTRequests, c.RESTRetries, c.RESTLatency,
		c.RateLimitWait, c.RateLimitTimeouts,
		c.BreakerState,
		c.WSConnects, c.WSMessages, c.WSDisconnects,
		c.SubscriptionRejections,
		c.StreamEvents, c.StreamDropped, c.StreamGaps, c.StreamReconnects, c.StreamState, c.QueueDepth,
		c.SinkMessages,
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collectors) ObserveREST(exchange, limitID, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.RESTRequests.WithLabelValues(exchange, limitID, outcome).Inc()
	c.RESTLatency.WithLabelValues(exchange, limitID).Observe(d.Seconds())
}

func (c *Collectors) IncRESTRetry(exchange, errorType string) {
	if c == nil {
		return
	}
	c.RESTRetries.WithLabelValues(exchange, errorType).Inc()
}

// ObserveRateLimit matches the ratelimit observer signature.
func (c *Collectors) ObserveRateLimit(limitID string, waited time.Duration, timedOut bool) {
	if c == nil {
		return
	}
	c.RateLimitWait.WithLabelValues(limitID).Observe(waited.Seconds())
	if timedOut {
		c.RateLimitTimeouts.WithLabelValues(limitID).Inc()
	}
}

func (c *Collectors) SetBreakerState(exchange string, state int) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(exchange).Set(float64(state))
}

func (c *Collectors) IncWSConnect(exchange string, ok bool) {
	if c == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	c.WSConnects.WithLabelValues(exchange, status).Inc()
}

func (c *Collectors) IncWSMessage(exchange, direction string) {
	if c == nil {
		return
	}
	c.WSMessages.WithLabelValues(exchange, direction).Inc()
}

func (c *Collectors) IncWSDisconnect(exchange, reason string) {
	if c == nil {
		return
	}
	c.WSDisconnects.WithLabelValues(exchange, reason).Inc()
}

func (c *Collectors) IncSubscriptionRejected(exchange, channel string) {
	if c == nil {
		return
	}
	c.SubscriptionRejections.WithLabelValues(exchange, channel).Inc()
}

func (c *Collectors) IncEvent(exchange, kind string) {
	if c == nil {
		return
	}
	c.StreamEvents.WithLabelValues(exchange, kind).Inc()
}

func (c *Collectors) IncDropped(exchange, channel string) {
	if c == nil {
		return
	}
	c.StreamDropped.WithLabelValues(exchange, channel).Inc()
}

func (c *Collectors) IncGap(exchange, reason string) {
	if c == nil {
		return
	}
	c.StreamGaps.WithLabelValues(exchange, reason).Inc()
}

func (c *Collectors) IncReconnect(exchange string) {
	if c == nil {
		return
	}
	c.StreamReconnects.WithLabelValues(exchange).Inc()
}

func (c *Collectors) SetStreamState(exchange string, state int) {
	if c == nil {
		return
	}
	c.StreamState.WithLabelValues(exchange).Set(float64(state))
}

func (c *Collectors) SetQueueDepth(exchange string, depth int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(exchange).Set(float64(depth))
}

func (c *Collectors) AddSinkMessages(topic, outcome string, n int) {
	if c == nil {
		return
	}
	c.SinkMessages.WithLabelValues(topic, outcome).Add(float64(n))
}
