package pipeline

import (
	"context"
	"sync"

	"autoreply/internal/eventbus"
)

// Stats counts processed outcomes from the event bus for the health report.
type Stats struct {
	mu     sync.Mutex
	counts map[Outcome]uint64
}

func NewStats() *Stats { return &Stats{counts: map[Outcome]uint64{}} }

// Run consumes a bus subscription until ctx ends or ch closes.
func (s *Stats) Run(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.observe(e)
		}
	}
}

func (s *Stats) observe(e eventbus.Event) {
	if e.Type != eventbus.TypeProcessed {
		return
	}
	r, ok := e.Data.(Result)
	if !ok {
		return
	}
	s.mu.Lock()
	s.counts[r.Outcome]++
	s.mu.Unlock()
}

func (s *Stats) Snapshot() map[Outcome]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Outcome]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
