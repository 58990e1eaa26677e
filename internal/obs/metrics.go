package obs

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wafflepay"

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	paymentVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verifications_total",
			Help:      "On-chain payment verifications by chain and outcome code.",
		},
		[]string{"chain", "code"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "Chain RPC call latencies in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"chain", "method"},
	)

	ledgerGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_grants_total",
			Help:      "Credit ledger writes by source and result.",
		},
		[]string{"source", "result"},
	)

	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_auth_attempts_total",
			Help:      "Wallet authentication attempts by flow and outcome code.",
		},
		[]string{"flow", "code"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready",
		Help:      "1 when the service reports ready.",
	})
)

// Init registers the service metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			paymentVerifications, rpcDuration, ledgerGrants, authAttempts, readyGauge,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePayment counts a verification outcome. code is "ok" on success.
func ObservePayment(chain, code string) {
	paymentVerifications.WithLabelValues(chain, code).Inc()
}

// ObserveRPC records the latency of one chain RPC call.
func ObserveRPC(chain, method string, d time.Duration) {
	rpcDuration.WithLabelValues(chain, method).Observe(d.Seconds())
}

// ObserveGrant counts a ledger write; result is "granted", "already_processed" or "error".
func ObserveGrant(source, result string) {
	ledgerGrants.WithLabelValues(source, result).Inc()
}

// ObserveAuth counts a wallet sign-in or sign-up attempt.
func ObserveAuth(flow, code string) {
	authAttempts.WithLabelValues(flow, code).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures requests, latency and in-flight count. route resolves the
// label for a finished request; when nil or empty the canonical path is used.
func Instrument(next http.Handler, route func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := ""
		if route != nil {
			path = route(r)
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var (
	hexSegment  = regexp.MustCompile(`^0x[0-9a-fA-F]{8,}$`)
	ulidSegment = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)
)

// CanonicalPath collapses identifier-like path segments so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if hexSegment.MatchString(p) || ulidSegment.MatchString(p) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
