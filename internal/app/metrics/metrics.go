// Package metrics exposes the Prometheus collectors for the engagement
// platform.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engagement",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engagement",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	votesCast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "proposals",
			Name:      "votes_cast_total",
			Help:      "Total number of accepted vote casts, including recasts.",
		},
		[]string{"choice"},
	)

	proposalsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "proposals",
			Name:      "resolved_total",
			Help:      "Total number of deadline resolutions by outcome.",
		},
		[]string{"outcome"},
	)

	activitiesApproved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "activities",
			Name:      "approved_total",
			Help:      "Total number of activity approvals (score credits).",
		},
	)

	rewardClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "rewards",
			Name:      "claims_total",
			Help:      "Total number of reward claim attempts by result.",
		},
		[]string{"result"},
	)

	ledgerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engagement",
			Subsystem: "ledger",
			Name:      "notify_failures_total",
			Help:      "Total number of failed ledger notifications.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		votesCast,
		proposalsResolved,
		activitiesApproved,
		rewardClaims,
		ledgerFailures,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordVoteCast counts an accepted vote.
func RecordVoteCast(choice string) {
	votesCast.WithLabelValues(choice).Inc()
}

// RecordProposalResolved counts a deadline resolution.
func RecordProposalResolved(outcome string) {
	proposalsResolved.WithLabelValues(outcome).Inc()
}

// RecordActivityApproved counts an approval credit.
func RecordActivityApproved() {
	activitiesApproved.Inc()
}

// RecordRewardClaim counts a claim attempt; result is "accepted", "repeat",
// "rejected" or "insufficient".
func RecordRewardClaim(result string) {
	rewardClaims.WithLabelValues(result).Inc()
}

// RecordLedgerFailure counts a failed ledger notification.
func RecordLedgerFailure() {
	ledgerFailures.Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses entity IDs so metric cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "users", "activities", "proposals", "rewards":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
