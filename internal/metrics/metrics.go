// Package metrics exposes pipeline counters in Prometheus format.
//
// All recording methods are safe on a nil *Metrics so components can run
// without a registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "cloudplay"

// Retry stages.
const (
	StageResolve = "resolve"
	StageOpen    = "open"
	StageResume  = "resume"
)

// Prefetch outcomes.
const (
	PrefetchHit       = "hit"
	PrefetchMiss      = "miss"
	PrefetchFailed    = "failed"
	PrefetchDiscarded = "discarded"
)

type Metrics struct {
	registry      *prometheus.Registry
	fetchRetries  *prometheus.CounterVec
	streamEnds    *prometheus.CounterVec
	prefetch      *prometheus.CounterVec
	decodeErrors  prometheus.Counter
	bufferTrims   prometheus.Counter
	bytesReceived prometheus.Counter
	sessions      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Retried fetch attempts by stage.",
		}, []string{"stage"}),
		streamEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_ends_total",
			Help:      "Stream sessions ended, by reason.",
		}, []string{"reason"}),
		prefetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_total",
			Help:      "Prefetch outcomes at track transition.",
		}, []string{"result"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed frames skipped by the decoder.",
		}),
		bufferTrims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_trims_total",
			Help:      "Times the compressed byte buffer was trimmed.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Compressed audio bytes received from the CDN.",
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Stream sessions started, including seeks.",
		}),
	}

	m.registry.MustRegister(
		m.fetchRetries,
		m.streamEnds,
		m.prefetch,
		m.decodeErrors,
		m.bufferTrims,
		m.bytesReceived,
		m.sessions,
	)

	return m
}

func (m *Metrics) FetchRetry(stage string) {
	if m == nil {
		return
	}
	m.fetchRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) StreamEnded(reason string) {
	if m == nil {
		return
	}
	m.streamEnds.WithLabelValues(reason).Inc()
}

func (m *Metrics) Prefetch(result string) {
	if m == nil {
		return
	}
	m.prefetch.WithLabelValues(result).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) BufferTrimmed() {
	if m == nil {
		return
	}
	m.bufferTrims.Inc()
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Debug().Msgf("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
