// Package metrics exports cache activity as Prometheus counters.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fetchcache"

// Prometheus implements fetchcache.Recorder.
type Prometheus struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	stored        *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
}

// NewPrometheus creates the counters and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fetches served from the cache.",
		}, []string{"method"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Fetches that went to the remote service.",
		}, []string{"method"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stores_total",
			Help:      "Remote results written to the cache.",
		}, []string{"method"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed remote fetches by error code.",
		}, []string{"method", "code"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_backend_errors_total",
			Help:      "Cache store failures by operation.",
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{p.hits, p.misses, p.stored, p.fetchErrors, p.backendErrors} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register cache metrics: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) Hit(method string)    { p.hits.WithLabelValues(method).Inc() }
func (p *Prometheus) Miss(method string)   { p.misses.WithLabelValues(method).Inc() }
func (p *Prometheus) Stored(method string) { p.stored.WithLabelValues(method).Inc() }

func (p *Prometheus) FetchError(method, code string) {
	p.fetchErrors.WithLabelValues(method, code).Inc()
}

func (p *Prometheus) BackendError(op string) {
	p.backendErrors.WithLabelValues(op).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
