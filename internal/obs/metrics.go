// Package obs exposes Prometheus metrics for HTTP traffic and admission
// decisions.
package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sundayezeilo/tokengate/internal/httpx"
	"github.com/sundayezeilo/tokengate/internal/ratelimit"
)

const namespace = "tokengate"

type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	AdmissionDecisions *prometheus.CounterVec
	Escalations        prometheus.Counter
	StoreErrors        prometheus.Counter
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by cost class and outcome",
			},
			[]string{"class", "outcome"},
		),
		Escalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blacklist_escalations_total",
				Help:      "Subjects blacklisted for repeated denials",
			},
		),
		StoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_store_errors_total",
				Help:      "Admissions that failed because the store was unavailable",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.AdmissionDecisions, m.Escalations, m.StoreErrors)
	return m
}

// Record implements ratelimit.Recorder.
func (m *Metrics) Record(_ context.Context, ev ratelimit.Event) {
	m.AdmissionDecisions.WithLabelValues(ev.Class.String(), ev.Outcome).Inc()
	if ev.Escalated {
		m.Escalations.Inc()
	}
	if ev.Outcome == ratelimit.OutcomeError {
		m.StoreErrors.Inc()
	}
}

// Middleware records per-request metrics. route maps a request to a
// low-cardinality label, typically the matched mux pattern; paths in skip
// are not recorded.
func (m *Metrics) Middleware(route func(*http.Request) string, skip map[string]struct{}) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := httpx.NewStatusRecorder(w)

			next.ServeHTTP(rec, r)

			label := "unknown"
			if route != nil {
				if rt := route(r); rt != "" {
					label = rt
				}
			}

			m.RequestDuration.WithLabelValues(label, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(label, r.Method, strconv.Itoa(rec.Status())).Inc()
		})
	}
}

// Handler serves the exposition format for everything registered in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
