// Package ratelimit enforces a minimum interval between replies to the same
// sender. State lives in memory only.
package ratelimit

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter remembers when each sender last got a reply. Allow never updates
// that time; callers Record it once a reply attempt is over.
type Limiter struct {
	interval atomic.Int64

	mu   sync.Mutex
	last map[string]time.Time
}

func New(interval time.Duration) *Limiter {
	l := &Limiter{last: map[string]time.Time{}}
	l.SetInterval(interval)
	return l
}

// SetInterval swaps the window at runtime (config hot reload).
func (l *Limiter) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.interval.Store(int64(d))
}

func (l *Limiter) Interval() time.Duration { return time.Duration(l.interval.Load()) }

// Allow reports whether now is at least Interval past the sender's last reply.
// A sender never recorded is always allowed.
func (l *Limiter) Allow(sender string, now time.Time) bool {
	sender = strings.TrimSpace(sender)
	l.mu.Lock()
	last, ok := l.last[sender]
	l.mu.Unlock()
	if !ok {
		return true
	}
	return now.Sub(last) >= l.Interval()
}

func (l *Limiter) Record(sender string, now time.Time) {
	sender = strings.TrimSpace(sender)
	l.mu.Lock()
	l.last[sender] = now
	l.mu.Unlock()
}

// Len is the number of senders tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}
