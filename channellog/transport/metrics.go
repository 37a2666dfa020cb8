package transport

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors used by WithMetrics.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sessions prometheus.Gauge
}

// NewMetrics creates the client collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channellog",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Number of transport calls partitioned by operation and result code",
		}, []string{"op", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "channellog",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Transport call latency partitioned by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "channellog",
			Subsystem: "client",
			Name:      "open_sessions",
			Help:      "Number of currently open log sessions",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.sessions)
	}
	return m
}

// WithMetrics records per-operation counts and latencies.
func WithMetrics(m *Metrics) Middleware {
	return func(next Transport) Transport {
		return &metricsTransport{next: next, m: m}
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.requests.WithLabelValues(op, resultCode(err)).Inc()
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "transport"
}

type metricsTransport struct {
	next Transport
	m    *Metrics
}

func (t *metricsTransport) Create(ctx context.Context, req CreateRequest) error {
	start := time.Now()
	err := t.next.Create(ctx, req)
	t.m.observe("create", start, err)
	return err
}

func (t *metricsTransport) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	start := time.Now()
	conn, err := t.next.Open(ctx, req)
	t.m.observe("open", start, err)
	if err != nil {
		return nil, err
	}
	t.m.sessions.Inc()
	return &metricsConn{next: conn, m: t.m}, nil
}

type metricsConn struct {
	next Conn
	m    *Metrics
}

func (c *metricsConn) Read(ctx context.Context, req ReadRequest) (*Record, error) {
	start := time.Now()
	rec, err := c.next.Read(ctx, req)
	c.m.observe("read", start, err)
	return rec, err
}

func (c *metricsConn) Append(ctx context.Context, req AppendRequest) (*Record, error) {
	start := time.Now()
	rec, err := c.next.Append(ctx, req)
	c.m.observe("append", start, err)
	return rec, err
}

func (c *metricsConn) Stream(ctx context.Context, req StreamRequest) (RecordStream, error) {
	start := time.Now()
	s, err := c.next.Stream(ctx, req)
	c.m.observe("stream", start, err)
	return s, err
}

func (c *metricsConn) Metadata() []MetadataEntry { return c.next.Metadata() }

func (c *metricsConn) Close(ctx context.Context) error {
	start := time.Now()
	err := c.next.Close(ctx)
	c.m.observe("close", start, err)
	c.m.sessions.Dec()
	return err
}
