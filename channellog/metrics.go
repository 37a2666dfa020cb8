package channellog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics holds the Prometheus collectors of a Handler.
type ServerMetrics struct {
	requests *prometheus.CounterVec
	appended prometheus.Counter
	bytes    prometheus.Counter
	sessions prometheus.Gauge
	streams  prometheus.Gauge
}

// NewServerMetrics creates the handler collectors and registers them with
// reg. A nil reg leaves them unregistered.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	f := promauto.With(reg)
	return &ServerMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channellog",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Number of requests partitioned by route and HTTP status",
		}, []string{"route", "status"}),
		appended: f.NewCounter(prometheus.CounterOpts{
			Namespace: "channellog",
			Subsystem: "server",
			Name:      "records_appended_total",
			Help:      "Number of records appended",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "channellog",
			Subsystem: "server",
			Name:      "appended_bytes_total",
			Help:      "Payload bytes appended",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "channellog",
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Number of open sessions",
		}),
		streams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "channellog",
			Subsystem: "server",
			Name:      "active_streams",
			Help:      "Number of record streams being served",
		}),
	}
}
