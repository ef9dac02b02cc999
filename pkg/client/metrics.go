package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AutoMQ/audiostream/pkg/proto/command"
)

const _metricsNamespace = "audiostream_client"

// Metrics collects statistics of a Context and its streams.
// A nil *Metrics records nothing.
type Metrics struct {
	streams          prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	bytes            *prometheus.CounterVec
	replyErrors      *prometheus.CounterVec
	xruns            *prometheus.CounterVec
	transportDelay   *prometheus.HistogramVec
}

// NewMetrics creates the client metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		streams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Name:      "streams",
			Help:      "Number of streams attached to a context.",
		}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "stream_state_transitions_total",
			Help:      "Stream state transitions by target state.",
		}, []string{"state"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "bytes_total",
			Help:      "Audio bytes written to playback and upload streams or received on record streams.",
		}, []string{"direction"}),
		replyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "reply_errors_total",
			Help:      "Failed requests by error code.",
		}, []string{"code"}),
		xruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "xruns_total",
			Help:      "Buffer overflows and underflows reported by the server.",
		}, []string{"kind"}),
		transportDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Name:      "transport_delay_seconds",
			Help:      "Transport delay measured by latency queries.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"direction"}),
	}
}

func (m *Metrics) streamAdded() {
	if m != nil {
		m.streams.Inc()
	}
}

func (m *Metrics) streamRemoved() {
	if m != nil {
		m.streams.Dec()
	}
}

func (m *Metrics) streamState(st StreamState) {
	if m != nil {
		m.stateTransitions.WithLabelValues(st.String()).Inc()
	}
}

func (m *Metrics) bytesWritten(n int) {
	if m != nil {
		m.bytes.WithLabelValues("out").Add(float64(n))
	}
}

func (m *Metrics) bytesRead(n int) {
	if m != nil {
		m.bytes.WithLabelValues("in").Add(float64(n))
	}
}

func (m *Metrics) replyError(code Code) {
	if m != nil {
		m.replyErrors.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) xrun(cmd command.Command) {
	if m != nil {
		m.xruns.WithLabelValues(cmd.String()).Inc()
	}
}

func (m *Metrics) observeTransportDelay(dir Direction, d time.Duration) {
	if m != nil {
		m.transportDelay.WithLabelValues(dir.String()).Observe(d.Seconds())
	}
}
