package networkgroup

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the limiter map of one throttle.
const maxTrackedClients = 10000

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AdmissionThrottle limits how fast each client address may open
// connections into a network group.
type AdmissionThrottle struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewAdmissionThrottle creates a throttle allowing perSecond connections per
// client with the given burst.
func NewAdmissionThrottle(perSecond float64, burst int) *AdmissionThrottle {
	return &AdmissionThrottle{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether a connection from ip may proceed now. Connections
// without a known address are not throttled.
func (t *AdmissionThrottle) Allow(ip string) bool {
	if ip == "" {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cl, ok := t.limiters[ip]
	if !ok {
		if len(t.limiters) >= maxTrackedClients {
			t.evictIdle(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.limiters[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// evictIdle drops limiters that have refilled completely, which are
// indistinguishable from fresh ones. Must be called with t.mu held.
func (t *AdmissionThrottle) evictIdle(now time.Time) {
	full := time.Duration(float64(t.burst) / float64(t.rate) * float64(time.Second))
	for ip, cl := range t.limiters {
		if now.Sub(cl.lastSeen) >= full {
			delete(t.limiters, ip)
		}
	}
}

// Limit returns the configured rate and burst.
func (t *AdmissionThrottle) Limit() (float64, int) {
	return float64(t.rate), t.burst
}

// TrackedClients returns the number of addresses with a limiter.
func (t *AdmissionThrottle) TrackedClients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
