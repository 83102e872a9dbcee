package trade

import (
	"sync"

	"golang.org/x/time/rate"
)

// UserLimiter applies a token bucket per user to trade submissions.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewUserLimiter allows perSecond trades per user with the given burst.
// perSecond <= 0 disables limiting.
func NewUserLimiter(perSecond float64, burst int) *UserLimiter {
	if burst < 1 {
		burst = 1
	}
	return &UserLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether userID may trade now.
func (l *UserLimiter) Allow(userID string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
