// Package serial runs work for one sender strictly one at a time, in arrival
// order, while different senders proceed in parallel.
package serial

import (
	"context"
	"strings"
	"sync"
)

// fifoLock hands ownership directly to the oldest waiter on release, so
// admission order equals Acquire order.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// reserve takes a place in line without blocking. The returned channel is
// closed once the place reaches the front.
func (l *fifoLock) reserve() chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		l.held = true
		close(ch)
		return ch
	}
	l.waiters = append(l.waiters, ch)
	return ch
}

func (l *fifoLock) wait(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}
	l.abandon(ch)
	return ctx.Err()
}

// abandon gives up a reserved place, passing ownership on if it had already
// been handed over.
func (l *fifoLock) abandon(ch chan struct{}) {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()
	l.unlock()
}

func (l *fifoLock) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters[0] = nil
	l.waiters = l.waiters[1:]
	close(next)
}

func (l *fifoLock) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.waiters)
	if l.held {
		n++
	}
	return n
}

// Serializer holds one fifoLock per sender. Locks are created on first use
// and kept for the life of the process.
type Serializer struct {
	mu    sync.Mutex
	locks map[string]*fifoLock
}

func New() *Serializer { return &Serializer{locks: map[string]*fifoLock{}} }

func (s *Serializer) get(sender string) *fifoLock {
	k := strings.TrimSpace(sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[k]
	if l == nil {
		l = &fifoLock{}
		s.locks[k] = l
	}
	return l
}

// Ticket is a place in one sender's line, taken by Reserve. Exactly one of
// Wait or Cancel must be called.
type Ticket struct {
	l    *fifoLock
	ch   chan struct{}
	once sync.Once
}

// Reserve takes sender's next place in line and returns at once. Places are
// granted in Reserve order regardless of when Wait is called.
func (s *Serializer) Reserve(sender string) *Ticket {
	l := s.get(sender)
	return &Ticket{l: l, ch: l.reserve()}
}

// Wait blocks until the ticket reaches the front or ctx ends. The returned
// release func is safe to call more than once.
func (t *Ticket) Wait(ctx context.Context) (func(), error) {
	if err := t.l.wait(ctx, t.ch); err != nil {
		t.once.Do(func() {})
		return nil, err
	}
	return func() { t.once.Do(t.l.unlock) }, nil
}

// Cancel gives the place up without running.
func (t *Ticket) Cancel() {
	t.once.Do(func() { t.l.abandon(t.ch) })
}

// Acquire blocks until sender's turn comes up or ctx ends. The returned
// release func is safe to call more than once.
func (s *Serializer) Acquire(ctx context.Context, sender string) (func(), error) {
	return s.Reserve(sender).Wait(ctx)
}

// Do runs fn while holding sender's turn.
func (s *Serializer) Do(ctx context.Context, sender string, fn func(context.Context) error) error {
	release, err := s.Acquire(ctx, sender)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Queued is the number of holders plus waiters for sender.
func (s *Serializer) Queued(sender string) int {
	s.mu.Lock()
	l := s.locks[strings.TrimSpace(sender)]
	s.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.queued()
}

// Senders is the number of senders ever seen.
func (s *Serializer) Senders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
