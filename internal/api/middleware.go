package api

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rescueroute/internal/metrics"
)

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware records request counts and durations per method,
// path prefix and status.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := metricPath(r.URL.Path)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// metricPath collapses ids so the label cardinality stays bounded.
func metricPath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		if len(s) >= 32 { // uuid-ish
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// RateLimitMiddleware applies a per-client-IP token bucket. Limits come
// from RATE_RPS / RATE_BURST; unset disables limiting.
func RateLimitMiddleware(next http.Handler) http.Handler {
	rps, _ := strconv.ParseFloat(os.Getenv("RATE_RPS"), 64)
	if rps <= 0 {
		return next
	}
	burst, _ := strconv.Atoi(os.Getenv("RATE_BURST"))
	if burst <= 0 {
		burst = int(rps * 2)
		if burst < 1 {
			burst = 1
		}
	}
	var mu sync.Mutex
	limiters := map[string]*rate.Limiter{}
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[ip] = l
		}
		return l
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !limiterFor(ip).Allow() {
			writeProblem(w, http.StatusTooManyRequests, "Rate limited", "slow down", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
