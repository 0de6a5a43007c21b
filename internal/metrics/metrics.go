// Package metrics exposes Prometheus metrics for the moderation service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackmichael/adgate/internal/domain"
)

// Recorder owns the service's collectors. It implements
// domain.MetricsRecorder and notify.Observer.
type Recorder struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	screenLatency   *prometheus.HistogramVec
	fallbacks       prometheus.Counter
	quotaDenied     *prometheus.CounterVec
	conflicts       prometheus.Counter
	notifications   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a Recorder with its own registry, including Go runtime and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adgate_decisions_total",
				Help: "Moderation decisions by recorded action and resulting status",
			},
			[]string{"action", "status"},
		),
		screenLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adgate_screen_duration_seconds",
				Help:    "Latency of content screener calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adgate_screen_fallbacks_total",
			Help: "Listings approved by the fallback policy because the screener failed",
		}),
		quotaDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adgate_quota_denied_total",
				Help: "Approved listings held back by the account quota, by tier",
			},
			[]string{"tier"},
		),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adgate_transition_conflicts_total",
			Help: "Transitions retried after losing a compare-and-set",
		}),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adgate_notifications_total",
				Help: "Notification deliveries by audience and result",
			},
			[]string{"audience", "result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
	}
	r.registry.MustRegister(
		r.decisions, r.screenLatency, r.fallbacks, r.quotaDenied,
		r.conflicts, r.notifications, r.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveDecision(action domain.Action, status domain.Status) {
	r.decisions.WithLabelValues(string(action), string(status)).Inc()
}

func (r *Recorder) ObserveScreen(d time.Duration, err error) {
	r.screenLatency.WithLabelValues(result(err)).Observe(d.Seconds())
}

func (r *Recorder) ObserveFallback() {
	r.fallbacks.Inc()
}

func (r *Recorder) ObserveQuotaDenied(tier domain.Tier) {
	r.quotaDenied.WithLabelValues(string(tier)).Inc()
}

func (r *Recorder) ObserveConflict() {
	r.conflicts.Inc()
}

func (r *Recorder) ObserveNotification(audience string, err error) {
	r.notifications.WithLabelValues(audience, result(err)).Inc()
}

// ObserveRequest records one served HTTP request.
func (r *Recorder) ObserveRequest(method, route string, code int, d time.Duration) {
	r.requestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
