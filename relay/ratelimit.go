package relay

import (
	"sync"
	"time"
)

// Limiter applies per-address sliding-window admission control at connect
// time. An address may open at most `limit` connections in any `window`;
// exempt addresses are never refused. Windows are pruned lazily on each
// check and empty entries are dropped, so idle addresses cost nothing.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	exempt map[string]struct{}
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewLimiter(window time.Duration, limit int, exemptIPs []string) *Limiter {
	exempt := make(map[string]struct{}, len(exemptIPs))
	for _, ip := range exemptIPs {
		exempt[ip] = struct{}{}
	}
	return &Limiter{
		window: window,
		limit:  limit,
		exempt: exempt,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a connection attempt from ip and reports whether it may
// proceed. The attempt is counted even when refused, matching the window
// semantics: a flooding address stays refused until it goes quiet.
func (l *Limiter) Allow(ip string) bool {
	if _, ok := l.exempt[ip]; ok || ip == "" {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.hits[ip][:0]
	for _, t := range l.hits[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	l.hits[ip] = recent
	return len(recent) <= l.limit
}

// GC drops addresses whose entire window has expired.
func (l *Limiter) GC() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, times := range l.hits {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, ip)
		}
	}
}
