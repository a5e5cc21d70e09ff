package trpc

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the router and transport metrics.
type Metrics struct {
	CallsTotal          *prometheus.CounterVec
	CallDuration        *prometheus.HistogramVec
	ActiveSubscriptions prometheus.Gauge
	Connections         prometheus.Gauge
	BatchSize           prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trpc",
				Name:      "calls_total",
				Help:      "Total number of resolved procedure calls",
			},
			[]string{"type", "path", "code"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trpc",
				Name:      "call_duration_seconds",
				Help:      "Procedure call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "path"},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trpc",
				Name:      "active_subscriptions",
				Help:      "Number of running subscriptions",
			},
		),
		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trpc",
				Subsystem: "ws",
				Name:      "connections",
				Help:      "Number of open WebSocket connections",
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "trpc",
				Subsystem: "http",
				Name:      "batch_size",
				Help:      "Number of calls per HTTP batch request",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.CallsTotal, m.CallDuration, m.ActiveSubscriptions, m.Connections, m.BatchSize)
	}
	return m
}

// UnknownPathLabel is the path label of calls to procedures that do not exist.
const UnknownPathLabel = "(unknown)"

// CodeOK is the code label of successful calls.
const CodeOK ErrorCode = "OK"

type callStartKey struct{}

// BeforeCall implements CallObserver.
func (m *Metrics) BeforeCall(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, callStartKey{}, time.Now())
}

// AfterCall implements CallObserver.
func (m *Metrics) AfterCall(ctx context.Context, req *Request, err error) {
	code := CodeOK
	path := req.Path
	if err != nil {
		code = AsError(err).Code
	}
	// Paths of unknown procedures come from clients and would make the label
	// set unbounded.
	if code == CodeNotFound {
		path = UnknownPathLabel
	}
	m.CallsTotal.WithLabelValues(string(req.Type), path, string(code)).Inc()
	if start, ok := ctx.Value(callStartKey{}).(time.Time); ok {
		m.CallDuration.WithLabelValues(string(req.Type), path).Observe(time.Since(start).Seconds())
	}
}
