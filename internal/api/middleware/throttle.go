package middleware

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sillymd/hub/internal/api/response"
)

// Throttle rate-limits ingest requests per API key (the first path segment
// after /webhook/). Limiters are created lazily and kept for the process
// lifetime; the key space is bounded by the tenant population.
type Throttle struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a per-key throttle. perSecond <= 0 disables throttling.
func NewThrottle(perSecond float64, burst int) *Throttle {
	return &Throttle{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Middleware enforces the per-key rate on requests that carry an ingest key.
// Requests without a recognizable key pass through; the handler rejects them.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	if t == nil || t.perSecond <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ingestKeyFromPath(r.URL.Path)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !t.limiter(key).Allow() {
			response.RespondError(w, http.StatusTooManyRequests,
				"Too Many Requests", "ingest rate limit exceeded for this endpoint")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.perSecond, t.burst)
		t.limiters[key] = l
	}

	return l
}

// ingestKeyFromPath extracts the API key segment from /webhook/{key}[/...].
func ingestKeyFromPath(path string) string {
	const prefix = "/webhook/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}

	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}

	return rest
}
