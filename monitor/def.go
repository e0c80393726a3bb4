package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"HvacDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const sampleInterval = 500 * time.Millisecond

// Monitor owns a private Prometheus registry with process and detection metrics.
// It satisfies pipeline.Observer.
type Monitor struct {
	registry *prometheus.Registry
	proc     *process.Process

	memUsage   prometheus.Gauge
	cpuUsage   prometheus.Gauge
	requests   *prometheus.CounterVec
	GRPCTotal  prometheus.Counter
	frames     *prometheus.CounterVec
	inference  *prometheus.HistogramVec
	runs       *prometheus.CounterVec
	deviceInfo *prometheus.GaugeVec
}

func New(device string) *Monitor {
	m := &Monitor{registry: prometheus.NewRegistry()}
	m.memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	m.cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
	m.GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hvacdet_frames_processed_total",
		Help: "Frames pushed through inference",
	}, []string{"mode"})
	m.inference = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hvacdet_inference_seconds",
		Help:    "Per-frame inference latency",
		Buckets: prometheus.ExponentialBuckets(0.002, 2, 12),
	}, []string{"mode"})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hvacdet_runs_total",
		Help: "Completed processing runs",
	}, []string{"mode"})
	m.deviceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hvacdet_backend_info",
		Help: "Selected inference backend, value is always 1",
	}, []string{"device"})

	m.registry.MustRegister(m.memUsage, m.cpuUsage, m.requests, m.GRPCTotal,
		m.frames, m.inference, m.runs, m.deviceInfo)
	m.deviceInfo.WithLabelValues(device).Set(1)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Warn("Process metrics disabled", zap.Error(err))
	}
	m.proc = proc
	return m
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) ObserveRequest(route string, status int) {
	m.requests.WithLabelValues(route, fmt.Sprint(status)).Inc()
}

func (m *Monitor) ObserveInference(mode string, d time.Duration) {
	m.frames.WithLabelValues(mode).Inc()
	m.inference.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Monitor) ObserveRun(mode string, _ int, _ time.Duration) {
	m.runs.WithLabelValues(mode).Inc()
}

// CheckProcessInfo samples RSS and CPU of this process into the gauges.
func (m *Monitor) CheckProcessInfo() {
	if m.proc == nil {
		return
	}
	if mem, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(mem.RSS / 1024 / 1024))
	}
	if pct, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(pct*100) / 100)
	}
}

// StartMon serves /metrics on port and samples the process until ctx is done.
func (m *Monitor) StartMon(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Log().Info("Prometheus exporter listening", zap.Int("port", port))

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("prometheus server: %w", err)
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("prometheus server shutdown: %w", err)
			}
			return nil
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
}
