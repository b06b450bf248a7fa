package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/boxrun/config"
	"github.com/isdmx/boxrun/sandbox"
)

// Collector records execution events as Prometheus metrics
type Collector struct {
	registry *prometheus.Registry

	acquireWait   prometheus.Histogram
	acquireErrors *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	wallTime      prometheus.Histogram
	peakMemory    prometheus.Histogram
	boxes         *prometheus.GaugeVec
}

// New creates a Collector with its own registry
func New(cfg *config.Config) *Collector {
	ns := cfg.Metrics.Namespace

	c := &Collector{
		registry: prometheus.NewRegistry(),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "box_acquire_wait_seconds",
			Help:      "Time spent waiting for a free box.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		acquireErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "box_acquire_failures_total",
			Help:      "Box acquisitions that failed, by reason.",
		}, []string{"reason"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "executions_total",
			Help:      "Finished executions by verdict.",
		}, []string{"verdict"}),
		wallTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "execution_wall_seconds",
			Help:      "Measured wall time of executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		peakMemory: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "execution_peak_memory_bytes",
			Help:      "Measured peak memory of executions.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12),
		}),
		boxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "boxes",
			Help:      "Boxes by state.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.acquireWait,
		c.acquireErrors,
		c.verdicts,
		c.wallTime,
		c.peakMemory,
		c.boxes,
	)
	return c
}

// ObserveAcquire records how long a request waited for a box
func (c *Collector) ObserveAcquire(wait time.Duration, err error) {
	c.acquireWait.Observe(wait.Seconds())
	switch {
	case err == nil:
	case errors.Is(err, sandbox.ErrPoolExhausted):
		c.acquireErrors.WithLabelValues("exhausted").Inc()
	default:
		c.acquireErrors.WithLabelValues("cancelled").Inc()
	}
}

// ObserveResult records a finished execution
func (c *Collector) ObserveResult(res sandbox.Result) {
	c.verdicts.WithLabelValues(res.Verdict.String()).Inc()
	c.wallTime.Observe(res.WallTime.Seconds())
	c.peakMemory.Observe(float64(res.PeakMemory))
}

// ObservePool records the current box states
func (c *Collector) ObservePool(st sandbox.PoolStats) {
	c.boxes.WithLabelValues(sandbox.SlotFree.String()).Set(float64(st.Free))
	c.boxes.WithLabelValues(sandbox.SlotReserved.String()).Set(float64(st.Reserved))
	c.boxes.WithLabelValues(sandbox.SlotRunning.String()).Set(float64(st.Running))
	c.boxes.WithLabelValues(sandbox.SlotCleaning.String()).Set(float64(st.Cleaning))
	c.boxes.WithLabelValues(sandbox.SlotQuarantined.String()).Set(float64(st.Quarantined))
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server exposes /metrics on the configured port
type Server struct {
	logger *zap.Logger
	http   *http.Server
}

// NewServer creates the exporter. It returns nil when the port is 0.
func NewServer(cfg *config.Config, logger *zap.Logger, c *Collector) *Server {
	if cfg.Metrics.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves metrics in the background
func (s *Server) Start() {
	s.logger.Info("starting metrics exporter", zap.String("addr", s.http.Addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics exporter stopped", zap.Error(err))
		}
	}()
}

// Stop shuts the exporter down
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
