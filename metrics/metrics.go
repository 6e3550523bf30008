/*
Package metrics exposes Prometheus counters for the ledger, the escrow state
machine and the HTTP surface.

A nil *Recorder is valid and records nothing, so services and tests that do
not care about metrics can pass nil.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	gatherer prometheus.Gatherer

	creditTransactions *prometheus.CounterVec
	creditsMoved       *prometheus.CounterVec
	creditRejections   *prometheus.CounterVec
	escrowTransitions  *prometheus.CounterVec
	notifyFailures     prometheus.Counter
	sweeps             *prometheus.CounterVec

	requestDuration *prometheus.SummaryVec
	requestsTotal   *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers every collector on reg.
func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		creditTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_transactions_total",
			Help: "Completed credit ledger rows by type",
		}, []string{"type"}),
		creditsMoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_moved_total",
			Help: "Absolute credit volume of completed ledger rows by type",
		}, []string{"type"}),
		creditRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_rejections_total",
			Help: "Credit operations rejected for a business reason",
		}, []string{"reason"}),
		escrowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow status transitions",
		}, []string{"from", "to"}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Notifications the dispatcher failed to deliver",
		}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_deadline_sweeps_total",
			Help: "Escrows moved by the deadline scheduler",
		}, []string{"kind"}),
		requestDuration: f.NewSummaryVec(prometheus.SummaryOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.9:  0.01,
				0.95: 0.005,
				0.99: 0.001,
			},
		}, []string{"method", "path", "status_code"}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
	}
}

// CreditTransaction counts one completed ledger row. amount is the absolute value.
func (r *Recorder) CreditTransaction(txType string, amount float64) {
	if r == nil {
		return
	}
	r.creditTransactions.WithLabelValues(txType).Inc()
	r.creditsMoved.WithLabelValues(txType).Add(amount)
}

// CreditRejected counts a business rejection (insufficient_credits, already_viewed, ...).
func (r *Recorder) CreditRejected(reason string) {
	if r == nil {
		return
	}
	r.creditRejections.WithLabelValues(reason).Inc()
}

func (r *Recorder) EscrowTransition(from, to string) {
	if r == nil {
		return
	}
	r.escrowTransitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) NotificationFailed() {
	if r == nil {
		return
	}
	r.notifyFailures.Inc()
}

// Swept counts escrows moved by a deadline sweep; kind is "expired" or "auto_released".
func (r *Recorder) Swept(kind string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.sweeps.WithLabelValues(kind).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Middleware records duration and count per route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

		next.ServeHTTP(ww, req)

		path := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)

		r.requestDuration.WithLabelValues(req.Method, path, code).Observe(time.Since(start).Seconds())
		r.requestsTotal.WithLabelValues(req.Method, path, code).Inc()
	})
}
