package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Throttle hands out one token bucket per client. Buckets idle for longer
// than idle are evicted.
type Throttle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *cache.Cache
}

// NewThrottle returns a Throttle allowing perSecond requests with the given
// burst. It returns nil when perSecond is not positive; a nil Throttle allows
// everything.
func NewThrottle(perSecond float64, burst int, idle time.Duration) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(math.Ceil(perSecond))
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Throttle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: cache.New(idle, idle),
	}
}

func (t *Throttle) bucket(client string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.buckets.Get(client); ok {
		lim := v.(*rate.Limiter)
		// refresh the idle timer
		t.buckets.SetDefault(client, lim)
		return lim
	}
	lim := rate.NewLimiter(t.limit, t.burst)
	t.buckets.SetDefault(client, lim)
	return lim
}

// Allow reports whether client may proceed now. When it may not, the second
// result is how long until a token is available.
func (t *Throttle) Allow(client string) (bool, time.Duration) {
	if t == nil {
		return true, 0
	}
	r := t.bucket(client).Reserve()
	if !r.OK() {
		return false, time.Second
	}
	d := r.Delay()
	if d == 0 {
		return true, 0
	}
	r.Cancel()
	return false, d
}

// Middleware rejects requests over the rate with 429. clientKey extracts the
// client identity from the request.
func (t *Throttle) Middleware(clientKey func(*http.Request) string, next http.Handler) http.Handler {
	if t == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := t.Allow(clientKey(r))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"error":"too many requests","code":"rate_limited"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
