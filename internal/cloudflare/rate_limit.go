package cloudflare

import (
	"sync"
	"time"
)

const defaultQuotaPerMinute = 120

const quotaWindow = time.Minute

// opLimiter enforces a fixed call quota per key over a rolling one-minute
// window.  Exceeding the quota fails fast with a retry hint instead of
// queuing the call.
type opLimiter struct {
	mu    sync.Mutex
	quota int
	calls map[string][]time.Time
	now   func() time.Time // test seam
}

func newOpLimiter(quota int) *opLimiter {
	return &opLimiter{
		quota: quota,
		calls: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// allow records one call for key if the quota permits it.  When denied it
// returns how long the caller must wait for the oldest recorded call to
// leave the window.
func (l *opLimiter) allow(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-quotaWindow)

	recent := l.calls[key]
	for len(recent) > 0 && recent[0].Before(cutoff) {
		recent = recent[1:]
	}

	if len(recent) >= l.quota {
		l.calls[key] = recent
		return recent[0].Add(quotaWindow).Sub(now), false
	}

	l.calls[key] = append(recent, now)
	return 0, true
}
