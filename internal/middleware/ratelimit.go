package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"anon-forum/internal/api"
	"anon-forum/internal/identity"
	"anon-forum/internal/utils"
)

// RateLimiter is a sliding-window limiter keyed by identity.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	// Clean old requests
	requests := rl.requests[key]
	i := 0
	for ; i < len(requests); i++ {
		if requests[i].After(cutoff) {
			break
		}
	}
	requests = requests[i:]

	if len(requests) >= rl.limit {
		rl.requests[key] = requests
		return false
	}
	rl.requests[key] = append(requests, now)
	return true
}

// Sweep drops keys with no request inside the window.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	for key, requests := range rl.requests {
		if len(requests) == 0 || !requests[len(requests)-1].After(cutoff) {
			delete(rl.requests, key)
		}
	}
}

// RateLimit rejects requests over the limit. Requests are keyed by identity
// when one is attached and by remote address otherwise. A nil limiter lets
// everything through.
func RateLimit(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	if rl == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := identity.UserID(r.Context())
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		if !rl.Allow(key) {
			api.WriteError(w, utils.NewAppError(utils.ErrTooManyRequests, "too many requests", nil))
			return
		}
		next(w, r)
	}
}
