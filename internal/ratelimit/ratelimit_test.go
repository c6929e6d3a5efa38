package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(clock.Now)
	const max, win = 5, 15 * time.Minute

	for i := 0; i < max; i++ {
		require.NoError(t, l.Check("10.0.0.1", "login", max, win), "attempt %d", i+1)
		l.RecordFailure("10.0.0.1", "login", win)
	}

	err := l.Check("10.0.0.1", "login", max, win)
	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Positive(t, ex.RetryAfter)
	assert.LessOrEqual(t, ex.RetryAfter, win)
	assert.Equal(t, "login", ex.Action)

	t.Run("other clients unaffected", func(t *testing.T) {
		require.NoError(t, l.Check("10.0.0.2", "login", max, win))
	})
	t.Run("other actions unaffected", func(t *testing.T) {
		require.NoError(t, l.Check("10.0.0.1", "upload", max, win))
	})

	clock.Advance(10 * time.Minute)
	err = l.Check("10.0.0.1", "login", max, win)
	require.ErrorAs(t, err, &ex)
	assert.InDelta(t, (5 * time.Minute).Seconds(), ex.RetryAfter.Seconds(), 1)

	clock.Advance(5*time.Minute + time.Second)
	require.NoError(t, l.Check("10.0.0.1", "login", max, win))
	assert.Zero(t, l.Attempts("10.0.0.1", "login"))
}

func TestLimiterRetryAfterStaysPositive(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(clock.Now)
	l.RecordFailure("c", "login", time.Minute)

	clock.Advance(time.Minute)
	var ex *ExceededError
	require.ErrorAs(t, l.Check("c", "login", 1, time.Minute), &ex)
	assert.GreaterOrEqual(t, ex.RetryAfter, time.Second)
}

func TestLimiterWindowRestartsAfterLapse(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(clock.Now)
	l.RecordFailure("c", "login", time.Minute)
	l.RecordFailure("c", "login", time.Minute)
	clock.Advance(2 * time.Minute)
	l.RecordFailure("c", "login", time.Minute)
	assert.Equal(t, 1, l.Attempts("c", "login"))
}

func TestLimiterConcurrentFailures(t *testing.T) {
	l := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l.RecordFailure("shared", "login", time.Hour)
				l.RecordFailure(fmt.Sprintf("client-%d", i), "login", time.Hour)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1000, l.Attempts("shared", "login"))
	assert.Equal(t, 20, l.Attempts("client-7", "login"))
}

func TestLimiterPrunesIdleWindows(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(clock.Now)
	require.NoError(t, l.Check("a", "login", 5, time.Minute))
	l.RecordFailure("a", "login", time.Minute)

	clock.Advance(3 * time.Minute)
	require.NoError(t, l.Check("b", "login", 5, time.Minute))

	_, ok := l.windows.Load(key("a", "login"))
	assert.False(t, ok)
}

func TestLimiterFailureRacingPrune(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(clock.Now)
	l.RecordFailure("a", "login", time.Minute)
	clock.Advance(3 * time.Minute)

	k := key("a", "login")
	v, ok := l.windows.Load(k)
	require.True(t, ok)
	w := v.(*window)

	// hold the window the way prune does while a failure is being recorded
	w.mu.Lock()
	done := make(chan struct{})
	go func() {
		l.RecordFailure("a", "login", time.Minute)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	w.retired = true
	l.windows.CompareAndDelete(k, v)
	w.mu.Unlock()
	<-done

	assert.Equal(t, 1, l.Attempts("a", "login"), "the failure must land on a mapped window")
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(1, 2, time.Minute)
	ok, _ := th.Allow("x")
	assert.True(t, ok)
	ok, _ = th.Allow("x")
	assert.True(t, ok)
	ok, wait := th.Allow("x")
	assert.False(t, ok)
	assert.Positive(t, wait)

	ok, _ = th.Allow("y")
	assert.True(t, ok, "buckets are per client")
}

func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(0, 0, 0)
	assert.Nil(t, th)
	ok, _ := th.Allow("anyone")
	assert.True(t, ok)
}

func TestThrottleMiddleware(t *testing.T) {
	th := NewThrottle(1, 1, time.Minute)
	h := th.Middleware(func(r *http.Request) string { return "fixed" },
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}
