package pwgraph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsShutdownTimeout = time.Second

// graphSnapshot is what the daemon exports after every poll.
type graphSnapshot struct {
	nodes      int
	devices    int
	links      int
	linkGroups int
	metadata   int

	initialized bool

	peak float32

	hasDefaultSink    bool
	defaultSinkVolume float32
	defaultSinkMuted  bool
}

type graphMetrics struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	objects           *prometheus.GaugeVec
	initialized       prometheus.Gauge
	peak              prometheus.Gauge
	defaultSinkVolume prometheus.Gauge
	defaultSinkMuted  prometheus.Gauge

	server   *http.Server
	listener net.Listener
}

func newGraphMetrics(logger *zap.SugaredLogger) *graphMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &graphMetrics{
		logger:   logger.Named("metrics"),
		registry: registry,

		objects: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pwgraph_objects",
				Help: "Number of mirrored PipeWire objects by kind",
			},
			[]string{"kind"},
		),
		initialized: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pwgraph_registry_initialized",
				Help: "Whether the initial registry snapshot is complete",
			},
		),
		peak: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pwgraph_peak",
				Help: "Loudest channel of the monitored node on the perceptual scale",
			},
		),
		defaultSinkVolume: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pwgraph_default_sink_volume",
				Help: "Average perceptual volume of the default sink",
			},
		),
		defaultSinkMuted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pwgraph_default_sink_muted",
				Help: "Whether the default sink is muted",
			},
		),
	}
}

func (m *graphMetrics) set(s graphSnapshot) {
	m.objects.WithLabelValues("node").Set(float64(s.nodes))
	m.objects.WithLabelValues("device").Set(float64(s.devices))
	m.objects.WithLabelValues("link").Set(float64(s.links))
	m.objects.WithLabelValues("link_group").Set(float64(s.linkGroups))
	m.objects.WithLabelValues("metadata").Set(float64(s.metadata))

	m.initialized.Set(boolGauge(s.initialized))
	m.peak.Set(float64(s.peak))

	if s.hasDefaultSink {
		m.defaultSinkVolume.Set(float64(s.defaultSinkVolume))
		m.defaultSinkMuted.Set(boolGauge(s.defaultSinkMuted))
	} else {
		m.defaultSinkVolume.Set(0)
		m.defaultSinkMuted.Set(0)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

// serve exposes /metrics on address until stop is called.
func (m *graphMetrics) serve(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		m.logger.Warnw("Failed to listen for metrics", "address", address, "error", err)
		return fmt.Errorf("listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.listener = listener
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Warnw("Metrics server stopped", "error", err)
		}
	}(m.server)

	m.logger.Infow("Serving metrics", "address", listener.Addr().String())

	return nil
}

func (m *graphMetrics) address() string {
	if m.listener == nil {
		return ""
	}

	return m.listener.Addr().String()
}

func (m *graphMetrics) stop() {
	if m.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warnw("Failed to stop metrics server", "error", err)
	}

	m.server = nil
	m.listener = nil
}
