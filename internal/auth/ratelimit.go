package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	authMaxFailures = 10
	authWindow      = time.Minute
	authBlock       = 5 * time.Minute
	evictAfter      = 10 * time.Minute
	evictThreshold  = 1000
)

// Limiter applies a token bucket per client and blocks clients that keep
// presenting bad keys.
type Limiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	clients  map[string]*clientState
	failures map[string]*failureState
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type failureState struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewLimiter allows rps requests per second per client with the given burst.
// A non-positive rps disables request limiting; failed-key blocking stays on.
func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		limit:    rate.Inf,
		burst:    burst,
		now:      time.Now,
		clients:  make(map[string]*clientState),
		failures: make(map[string]*failureState),
	}
	if rps > 0 {
		l.limit = rate.Limit(rps)
	}
	if l.burst < 1 {
		l.burst = 1
	}
	return l
}

// Allow reports whether client may make another request now.
func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[client]
	if !ok {
		if len(l.clients) > evictThreshold {
			l.evict(now)
		}
		c = &clientState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Blocked returns how long client stays blocked for bad keys, or zero.
func (l *Limiter) Blocked(client string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.failures[client]
	if !ok || f.blockedUntil.IsZero() {
		return 0
	}
	remaining := f.blockedUntil.Sub(l.now())
	if remaining <= 0 {
		delete(l.failures, client)
		return 0
	}
	return remaining
}

// Failure records a bad key from client and reports whether it is now blocked.
func (l *Limiter) Failure(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	f, ok := l.failures[client]
	if !ok || now.Sub(f.windowStart) > authWindow {
		f = &failureState{windowStart: now}
		l.failures[client] = f
	}
	f.count++
	if f.count >= authMaxFailures {
		f.blockedUntil = now.Add(authBlock)
		return true
	}
	return false
}

// Success clears failure tracking for client.
func (l *Limiter) Success(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, client)
}

func (l *Limiter) evict(now time.Time) {
	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > evictAfter {
			delete(l.clients, k)
		}
	}
	for k, f := range l.failures {
		if now.After(f.blockedUntil) && now.Sub(f.windowStart) > evictAfter {
			delete(l.failures, k)
		}
	}
}
