// Package reply turns a conversation history into reply text. Backend is the
// model client; Guard bounds it with timeouts and turns every failure into an
// explicit Outcome so callers never see a raw backend error.
package reply

import (
	"context"
	"errors"
	"time"

	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

type Backend interface {
	Generate(ctx context.Context, history []session.Turn, senderName string) (string, error)
	Summarize(ctx context.Context, history []session.Turn) (string, error)
}

// Backends wrap failures in these so Guard can pick the right apology.
var (
	ErrRateLimited = errors.New("reply backend rate limited")
	ErrAPI         = errors.New("reply backend api error")
)

type Kind string

const (
	KindSuccess      Kind = "success"
	KindTimeout      Kind = "timeout"
	KindBackendError Kind = "backend_error"
)

type Outcome struct {
	Kind Kind
	Text string
	Err  error
}

func (o Outcome) OK() bool { return o.Kind == KindSuccess }

const (
	ApologyRateLimited = "I'm receiving too many messages right now. Please try again in a moment."
	ApologyAPI         = "I'm having trouble processing your message. Please try again."
	ApologyUnexpected  = "Something went wrong. Please try again later."
	ApologyTimeout     = "Sorry, I'm taking too long to answer right now. Please try again."

	// SummaryFallback replaces a summary the backend failed to produce.
	SummaryFallback = "Previous conversation context was lost due to an error."
)

// Apology is the user-facing text for a failed outcome.
func Apology(o Outcome) string {
	switch {
	case o.Kind == KindTimeout:
		return ApologyTimeout
	case errors.Is(o.Err, ErrRateLimited):
		return ApologyRateLimited
	case errors.Is(o.Err, ErrAPI):
		return ApologyAPI
	default:
		return ApologyUnexpected
	}
}

// Guard applies per-call timeouts to a Backend.
type Guard struct {
	Backend        Backend
	ReplyTimeout   time.Duration
	SummaryTimeout time.Duration
	Log            logx.Logger
}

// Reply never fails: a failed outcome carries the apology as its Text.
func (g Guard) Reply(ctx context.Context, history []session.Turn, senderName string) Outcome {
	o := g.call(ctx, g.ReplyTimeout, func(c context.Context) (string, error) {
		return g.Backend.Generate(c, history, senderName)
	})
	if !o.OK() {
		g.log().Error("reply generation failed", logx.String("kind", string(o.Kind)), logx.Err(o.Err))
		o.Text = Apology(o)
	}
	return o
}

// Summary falls back to SummaryFallback on any failure.
func (g Guard) Summary(ctx context.Context, history []session.Turn) Outcome {
	o := g.call(ctx, g.SummaryTimeout, func(c context.Context) (string, error) {
		return g.Backend.Summarize(c, history)
	})
	if !o.OK() {
		g.log().Error("compaction summary failed", logx.String("kind", string(o.Kind)), logx.Err(o.Err))
		o.Text = SummaryFallback
	}
	return o
}

func (g Guard) call(ctx context.Context, timeout time.Duration, fn func(context.Context) (string, error)) Outcome {
	if g.Backend == nil {
		return Outcome{Kind: KindBackendError, Err: errors.New("no reply backend configured")}
	}
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type res struct {
		text string
		err  error
	}
	done := make(chan res, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- res{err: errors.New("reply backend panicked")}
			}
		}()
		t, err := fn(cctx)
		done <- res{t, err}
	}()

	var r res
	select {
	case r = <-done:
	case <-cctx.Done():
		r.err = cctx.Err()
	}
	switch {
	case r.err == nil && r.text != "":
		return Outcome{Kind: KindSuccess, Text: r.text}
	case r.err == nil:
		return Outcome{Kind: KindBackendError, Err: errors.New("empty reply")}
	case errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil:
		return Outcome{Kind: KindTimeout, Err: r.err}
	default:
		return Outcome{Kind: KindBackendError, Err: r.err}
	}
}

func (g Guard) log() logx.Logger {
	if g.Log.IsZero() {
		return logx.Nop()
	}
	return g.Log
}
