// Package metrics exposes scale read statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
)

const namespace = "scale_agent"

// Source reports the live registry counts.
type Source interface {
	Devices() []string
	ActiveMonitors() int
}

// Metrics implements scale.Observer.
type Metrics struct {
	registry *prometheus.Registry

	reads    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	attempts *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reads_total",
				Help:      "Weight reads by brand and outcome.",
			},
			[]string{"brand", "result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "read_errors_total",
				Help:      "Failed weight reads by brand and error type.",
			},
			[]string{"brand", "type"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "read_attempts",
				Help:      "Attempts needed per weight read.",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
			[]string{"brand"},
		),
	}

	m.registry.MustRegister(m.reads, m.errors, m.attempts)
	return m
}

// Track registers gauges over source. Call it once.
func (m *Metrics) Track(source Source) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_scales",
			Help:      "Scales currently connected.",
		}, func() float64 { return float64(len(source.Devices())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_monitors",
			Help:      "Monitoring loops currently running.",
		}, func() float64 { return float64(source.ActiveMonitors()) }),
	)
}

func (m *Metrics) ObserveRead(brand scale.Brand, attempts int, err error) {
	b := string(brand)
	m.attempts.WithLabelValues(b).Observe(float64(attempts))
	if err == nil {
		m.reads.WithLabelValues(b, "ok").Inc()
		return
	}
	m.reads.WithLabelValues(b, "error").Inc()
	m.errors.WithLabelValues(b, string(scale.PayloadOf(err).Type)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serwer metryk nasłuchuje: %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
