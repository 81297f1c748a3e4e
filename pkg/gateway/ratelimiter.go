package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 120
	defaultMaxConcurrent     = 8
)

// ClientRateLimiter is a per-client sliding window limiter with a
// concurrency cap.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter. Non-positive limits take defaults.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits a request and counts it as in flight. On rejection it
// returns the RPC error code to report.
func (r *ClientRateLimiter) Acquire() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, TooManyConcurrent
	}

	r.prune()
	if len(r.requests) >= r.requestsPerMinute {
		return false, RateLimitExceeded
	}

	r.requests = append(r.requests, r.now())
	r.inFlight++
	return true, 0
}

// Release marks an admitted request as finished
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}

// Stats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) Stats() (windowed, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.requests), r.inFlight
}

func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	r.requests = r.requests[i:]
}
