package middleware

import (
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	apierrors "github.com/narvanalabs/stackpilot/internal/api/errors"
	"github.com/narvanalabs/stackpilot/internal/metrics"
)

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	RPS     float64
	Burst   int
	Metrics *metrics.Metrics

	mu        sync.Mutex
	perClient map[string]*rate.Limiter
}

// NewRateLimiter creates a RateLimiter. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int, m *metrics.Metrics) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		RPS:       rps,
		Burst:     burst,
		Metrics:   m,
		perClient: map[string]*rate.Limiter{},
	}
}

func (rl *RateLimiter) limiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.perClient[client]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.RPS), rl.Burst)
		rl.perClient[client] = l
	}
	return l
}

// Limit answers 429 once a client exhausts its bucket.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.RPS <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.limiter(clientKey(r)).Allow() {
			rl.Metrics.RateLimited(r.URL.Path)
			apierrors.WriteError(w, apierrors.New(apierrors.CodeRateLimited, "Too many requests.").
				WithRequestID(middleware.GetReqID(r.Context())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
