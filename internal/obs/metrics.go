package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authorization decisions by outcome.",
		},
		[]string{"decision"},
	)

	permissionCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_cache_requests_total",
			Help: "Permission cache lookups by result.",
		},
		[]string{"result"},
	)

	tokenRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_rotations_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers the service metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		authDecisionsTotal,
		permissionCacheTotal,
		tokenRotationsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthDecision records an allow or deny outcome from the guard.
func AuthDecision(decision string) {
	authDecisionsTotal.WithLabelValues(decision).Inc()
}

// PermissionCacheEvent records a hit or miss against the permission cache.
func PermissionCacheEvent(result string) {
	permissionCacheTotal.WithLabelValues(result).Inc()
}

// TokenRotation records a rotation outcome ("ok", "invalid").
func TokenRotation(outcome string) {
	tokenRotationsTotal.WithLabelValues(outcome).Inc()
}

// CanonicalPath collapses identifier path segments so that metric label
// cardinality stays bounded. Query strings are stripped.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	templates := [][]string{
		{"", "v1", "organizations", "*"},
		{"", "v1", "organizations", "*", "members"},
		{"", "v1", "organizations", "*", "members", "*"},
		{"", "v1", "organizations", "*", "roles"},
		{"", "v1", "organizations", "*", "roles", "*"},
		{"", "v1", "organizations", "*", "roles", "*", "assignments"},
		{"", "v1", "organizations", "*", "roles", "*", "assignments", "*"},
		{"", "v1", "users", "*"},
	}
	for _, tpl := range templates {
		if len(segments) != len(tpl) {
			continue
		}
		match := true
		out := make([]string, len(segments))
		for i, part := range tpl {
			switch {
			case part == "*":
				out[i] = ":id"
			case segments[i] == part:
				out[i] = part
			default:
				match = false
			}
			if !match {
				break
			}
		}
		if match {
			return strings.Join(out, "/")
		}
	}
	return path
}

// Instrument wraps a handler with request counting, latency and in-flight
// tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
