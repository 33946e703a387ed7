package handlers

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	rateLimitOnce  sync.Once
	rateLimitRPS   rate.Limit
	rateLimitBurst int

	visitorMu sync.Mutex
	visitors  = make(map[string]*visitor)
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorIdleEvict = 10 * time.Minute

func loadRateLimits() {
	rateLimitRPS = rate.Limit(envRateFloat("RATE_LIMIT_RPS", 5))
	rateLimitBurst = int(envRateFloat("RATE_LIMIT_BURST", 10))
}

func envRateFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

// QueryRateLimitMiddleware applies a per-client token bucket to the routes
// that reach the model or the warehouse.
func QueryRateLimitMiddleware(next http.Handler) http.Handler {
	rateLimitOnce.Do(loadRateLimits)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := limiterFor(clientIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateLimitBurst))
		if !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterFor returns the client's bucket, sweeping idle entries as it goes.
func limiterFor(ip string) *rate.Limiter {
	visitorMu.Lock()
	defer visitorMu.Unlock()

	now := time.Now()
	for key, v := range visitors {
		if now.Sub(v.lastSeen) > visitorIdleEvict {
			delete(visitors, key)
		}
	}

	v, ok := visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rateLimitRPS, rateLimitBurst)}
		visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// clientIP prefers the first X-Forwarded-For hop, falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i != -1 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
