package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdleTTL     = 3 * time.Minute
	visitorSweepPeriod = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client address.
type visitors struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	byAddress map[string]*visitor
	lastSweep time.Time
}

func (v *visitors) allow(address string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastSweep) > visitorSweepPeriod {
		for key, item := range v.byAddress {
			if now.Sub(item.lastSeen) > visitorIdleTTL {
				delete(v.byAddress, key)
			}
		}
		v.lastSweep = now
	}

	item, ok := v.byAddress[address]
	if !ok {
		item = &visitor{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.byAddress[address] = item
	}
	item.lastSeen = now
	return item.limiter.AllowN(now, 1)
}

// RateLimit applies a per-client token bucket to every request.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	limits := &visitors{
		rps:       rate.Limit(rps),
		burst:     burst,
		byAddress: make(map[string]*visitor),
		lastSweep: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limits.allow(extractIP(r.RemoteAddr), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
