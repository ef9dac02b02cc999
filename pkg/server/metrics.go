package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/proto/command"
)

const _metricsNamespace = "audiostream_server"

// Metrics collects statistics of a Server. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	streams     *prometheus.GaugeVec
	bytes       *prometheus.CounterVec
	xruns       *prometheus.CounterVec
}

// NewMetrics creates the server metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Name:      "connections",
			Help:      "Number of client connections.",
		}),
		streams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Name:      "streams",
			Help:      "Number of open streams by direction.",
		}, []string{"direction"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "bytes_total",
			Help:      "Audio bytes received from or sent to clients.",
		}, []string{"direction"}),
		xruns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Name:      "xruns_total",
			Help:      "Overflows and underflows of playback streams.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) streamOpened(dir client.Direction) {
	if m != nil {
		m.streams.WithLabelValues(dir.String()).Inc()
	}
}

func (m *Metrics) streamClosed(dir client.Direction) {
	if m != nil {
		m.streams.WithLabelValues(dir.String()).Dec()
	}
}

func (m *Metrics) bytesReceived(n int) {
	if m != nil {
		m.bytes.WithLabelValues("in").Add(float64(n))
	}
}

func (m *Metrics) bytesSent(n int) {
	if m != nil {
		m.bytes.WithLabelValues("out").Add(float64(n))
	}
}

func (m *Metrics) xrun(cmd command.Command) {
	if m != nil {
		m.xruns.WithLabelValues(cmd.String()).Inc()
	}
}
