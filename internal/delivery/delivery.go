// Package delivery sends reply text back to the sender through a chat
// transport: an HTTP bridge or a Telegram bot.
package delivery

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	logx "autoreply/pkg/logx"
)

// Result is the outcome of one send. Detail carries the transport's message
// on success and the reason on failure.
type Result struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type Channel interface {
	Name() string
	Send(ctx context.Context, recipient, text string) Result
	HealthCheck(ctx context.Context) bool
}

type ChunkOptions struct {
	// Interval is the minimum spacing between consecutive chunks.
	Interval time.Duration
	// Timeout bounds each individual send; zero means no extra bound.
	Timeout time.Duration
}

// SendChunked sends chunks in order and stops at the first failure. The
// returned slice has one Result per attempted chunk.
func SendChunked(ctx context.Context, ch Channel, recipient string, chunks []string, opt ChunkOptions, log logx.Logger) []Result {
	if log.IsZero() {
		log = logx.Nop()
	}
	var pacer *rate.Limiter
	if opt.Interval > 0 {
		pacer = rate.NewLimiter(rate.Every(opt.Interval), 1)
	}
	out := make([]Result, 0, len(chunks))
	for i, chunk := range chunks {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				out = append(out, Result{Detail: err.Error()})
				return out
			}
		}
		res := sendOne(ctx, ch, recipient, chunk, opt.Timeout)
		out = append(out, res)
		if !res.OK {
			log.Error("chunked send failed", logx.Sender(recipient), logx.Int("chunk", i), logx.Int("chunks", len(chunks)), logx.String("detail", res.Detail))
			return out
		}
	}
	return out
}

func sendOne(ctx context.Context, ch Channel, recipient, text string, timeout time.Duration) Result {
	if err := ctx.Err(); err != nil {
		return Result{Detail: err.Error()}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ch.Send(ctx, recipient, text)
}

// Delivered counts the leading successful results.
func Delivered(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.OK {
			break
		}
		n++
	}
	return n
}
