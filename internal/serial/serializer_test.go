package serial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitQueued spins until n callers hold or wait on sender.
func waitQueued(t *testing.T, s *Serializer, sender string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Queued(sender) == n }, 2*time.Second, time.Millisecond)
}

func TestAdmissionIsFIFO(t *testing.T) {
	s := New()
	ctx := context.Background()

	release, err := s.Acquire(ctx, "a")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Do(ctx, "a", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Enqueue one at a time so arrival order is known.
		waitQueued(t, s, "a", i+2)
	}
	release()
	wg.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	require.Equal(t, want, order)
	require.Equal(t, 0, s.Queued("a"))
}

func TestNoOverlapForOneSender(t *testing.T) {
	s := New()
	ctx := context.Background()
	var (
		active int
		max    int
		mu     sync.Mutex
		wg     sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(ctx, "a", func(context.Context) error {
				mu.Lock()
				active++
				if active > max {
					max = active
				}
				mu.Unlock()
				time.Sleep(100 * time.Microsecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, max)
}

func TestSendersDoNotBlockEachOther(t *testing.T) {
	s := New()
	ctx := context.Background()
	release, err := s.Acquire(ctx, "a")
	require.NoError(t, err)
	defer release()

	done := make(chan struct{})
	go func() {
		_ = s.Do(ctx, "b", func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender b blocked behind sender a")
	}
	require.Equal(t, 2, s.Senders())
}

func TestCanceledWaiterLeavesQueueIntact(t *testing.T) {
	s := New()
	release, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "a")
		errCh <- err
	}()
	waitQueued(t, s, "a", 2)

	got := make(chan struct{})
	go func() {
		r, err := s.Acquire(context.Background(), "a")
		if err == nil {
			r()
		}
		close(got)
	}()
	waitQueued(t, s, "a", 3)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	waitQueued(t, s, "a", 2)

	release()
	release() // second call is a no-op
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter behind a canceled one never ran")
	}
	require.Equal(t, 0, s.Queued("a"))
}

func TestReserveOrderWinsOverWaitOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	tickets := make([]*Ticket, 50)
	for i := range tickets {
		tickets[i] = s.Reserve("a")
	}
	require.Equal(t, 50, s.Queued("a"))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	// Wait in reverse so goroutine start order cannot explain the result.
	for i := len(tickets) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := tickets[i].Wait(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}(i)
	}
	wg.Wait()

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	require.Equal(t, want, order)
	require.Equal(t, 0, s.Queued("a"))
}

func TestCanceledTicketPassesTurnOn(t *testing.T) {
	s := New()
	first := s.Reserve("a")
	second := s.Reserve("a")
	third := s.Reserve("a")

	second.Cancel()
	require.Equal(t, 2, s.Queued("a"))
	first.Cancel() // held but never waited on
	release, err := third.Wait(context.Background())
	require.NoError(t, err)
	release()
	third.Cancel() // no-op after release
	require.Equal(t, 0, s.Queued("a"))
}
