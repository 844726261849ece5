// ABOUTME: Token-bucket rate limiting keyed by authenticated subject
// ABOUTME: Limiters are created lazily, one per subject

package http

import (
	"sync"

	"golang.org/x/time/rate"
)

type subjectLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newSubjectLimiter returns nil when perSecond is not positive; a nil limiter allows everything.
func newSubjectLimiter(perSecond float64, burst int) *subjectLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &subjectLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *subjectLimiter) Allow(subject string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[subject] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
