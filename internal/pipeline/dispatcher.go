package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	rtsup "autoreply/internal/runtime/supervisor"
	logx "autoreply/pkg/logx"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher runs each notification on its own supervised goroutine, so the
// accept path returns at once and a panicking message cannot take the
// process down.
type Dispatcher struct {
	p   *Pipeline
	sup *rtsup.Supervisor
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(ctx context.Context, p *Pipeline, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		p:   p,
		sup: rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
		log: log,
	}
}

// Submit hands n off and returns immediately. The sender's place in line is
// taken before Submit returns, so one sender's messages are processed in
// Submit order.
func (d *Dispatcher) Submit(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	adm := d.p.Admit(n)
	if !adm.Queued() {
		res, _ := adm.Run(context.Background())
		d.log.Debug("message dropped", logx.Sender(n.SenderID), logx.String("outcome", string(res.Outcome)))
		return nil
	}
	d.sup.Go0("pipeline.process", func(ctx context.Context) {
		defer adm.Cancel()
		start := time.Now()
		res, err := adm.Run(ctx)
		if err != nil {
			d.log.Error("message processing failed", logx.Sender(n.SenderID), logx.String("message_id", n.MessageID), logx.Err(err))
			return
		}
		d.log.Debug("message processed",
			logx.Sender(n.SenderID),
			logx.String("outcome", string(res.Outcome)),
			logx.Duration("took", time.Since(start)))
	})
	return nil
}

// Inflight is the number of notifications currently being processed or
// waiting for their sender's turn.
func (d *Dispatcher) Inflight() int64 { return d.sup.Counters().Active }

func (d *Dispatcher) Snapshot() rtsup.Snapshot { return d.sup.Snapshot() }

// Drain stops accepting work and waits for in-flight notifications. If ctx
// ends first, the rest are canceled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err := d.sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		d.log.Warn("drain timed out; canceling in-flight messages", logx.Int64("inflight", d.Inflight()))
		d.sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.sup.Wait(wctx)
		return ctx.Err()
	}
	return nil
}
