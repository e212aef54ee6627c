// Package ratelimit paces sends per provider using sliding windows over
// recorded send timestamps.
package ratelimit

import (
	"sync"
	"time"
)

// Limits caps attempted sends per provider. Zero means unlimited.
type Limits struct {
	Hourly int
	Daily  int
}

// Limiter tracks send timestamps per provider. It is the process-wide
// shared pacing state; all mutation happens under mu.
type Limiter struct {
	mu         sync.Mutex
	limits     map[string]Limits
	timestamps map[string][]time.Time

	now func() time.Time
}

// New creates a limiter with per-provider limits.
func New(limits map[string]Limits) *Limiter {
	if limits == nil {
		limits = make(map[string]Limits)
	}
	return &Limiter{
		limits:     limits,
		timestamps: make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow reports whether the provider has headroom in both windows.
func (l *Limiter) Allow(provider string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limits, ok := l.limits[provider]
	if !ok {
		return true
	}

	now := l.now()
	l.prune(provider, now)

	if limits.Hourly > 0 && l.countSince(provider, now.Add(-time.Hour)) >= limits.Hourly {
		return false
	}
	if limits.Daily > 0 && len(l.timestamps[provider]) >= limits.Daily {
		return false
	}
	return true
}

// Record counts one attempted send against the provider's windows.
func (l *Limiter) Record(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps[provider] = append(l.timestamps[provider], l.now())
}

// Remaining returns how many sends the provider has left in the tighter
// of its windows. Unlimited providers return -1.
func (l *Limiter) Remaining(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limits, ok := l.limits[provider]
	if !ok || (limits.Hourly == 0 && limits.Daily == 0) {
		return -1
	}

	now := l.now()
	l.prune(provider, now)

	remaining := -1
	if limits.Hourly > 0 {
		r := limits.Hourly - l.countSince(provider, now.Add(-time.Hour))
		if r < 0 {
			r = 0
		}
		remaining = r
	}
	if limits.Daily > 0 {
		r := limits.Daily - len(l.timestamps[provider])
		if r < 0 {
			r = 0
		}
		if remaining == -1 || r < remaining {
			remaining = r
		}
	}
	return remaining
}

// prune drops timestamps older than the daily window. Must hold mu.
func (l *Limiter) prune(provider string, now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	ts := l.timestamps[provider]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps[provider] = ts[i:]
	}
}

// countSince counts timestamps after cutoff. Must hold mu.
func (l *Limiter) countSince(provider string, cutoff time.Time) int {
	count := 0
	for _, t := range l.timestamps[provider] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
