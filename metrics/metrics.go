package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Terminal holds the Prometheus collectors for the session manager.
type Terminal struct {
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SpawnFailures    prometheus.Counter
	InputBytes       prometheus.Counter
	OutputBytes      prometheus.Counter
	Resizes          prometheus.Counter
	SessionLifetime  prometheus.Histogram
	StreamsConnected prometheus.Gauge
}

// NewTerminal registers the terminal collectors on reg. A nil reg yields
// collectors that are not exported anywhere, which is what tests want.
func NewTerminal(reg prometheus.Registerer) *Terminal {
	factory := promauto.With(reg)
	return &Terminal{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dashterm_sessions_active",
			Help: "Number of live terminal sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dashterm_sessions_created_total",
			Help: "Total number of terminal sessions created",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dashterm_sessions_closed_total",
			Help: "Total number of terminal sessions closed, by reason",
		}, []string{"reason"}),
		SpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dashterm_spawn_failures_total",
			Help: "Total number of failed session spawns",
		}),
		InputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dashterm_input_bytes_total",
			Help: "Bytes written to PTY input",
		}),
		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dashterm_output_bytes_total",
			Help: "Bytes read from PTY output",
		}),
		Resizes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dashterm_resizes_total",
			Help: "PTY resize operations applied",
		}),
		SessionLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashterm_session_lifetime_seconds",
			Help:    "Lifetime of terminal sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}),
		StreamsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dashterm_streams_connected",
			Help: "Number of attached session websocket streams",
		}),
	}
}
