// Package pipeline decides what happens to one inbound chat message: filter,
// gate, remember, answer, deliver. Work for one sender runs strictly in order.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"autoreply/internal/chunker"
	"autoreply/internal/delivery"
	"autoreply/internal/eventbus"
	"autoreply/internal/pairing"
	"autoreply/internal/ratelimit"
	"autoreply/internal/reply"
	"autoreply/internal/serial"
	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

// Notification is one inbound message as reported by the transport.
type Notification struct {
	MessageID  string    `json:"message_id,omitempty"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content"`
	IsFromMe   bool      `json:"is_from_me"`
	IsGroup    bool      `json:"is_group"`
	SenderName string    `json:"sender_name,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	MediaType  string    `json:"media_type,omitempty"`
}

type Outcome string

const (
	OutcomeDroppedSelf    Outcome = "dropped_self"
	OutcomeDroppedGroup   Outcome = "dropped_group"
	OutcomeNotAllowed     Outcome = "not_allowed"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeBlocked        Outcome = "blocked"
	OutcomePairingSent    Outcome = "pairing_sent"
	OutcomePendingNotice  Outcome = "pending_notice"
	OutcomeEmpty          Outcome = "empty"
	OutcomeReplied        Outcome = "replied"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
)

type Result struct {
	Outcome   Outcome    `json:"outcome"`
	ReplyKind reply.Kind `json:"reply_kind,omitempty"`
	Compacted bool       `json:"compacted,omitempty"`
	Chunks    int        `json:"chunks,omitempty"`
	Delivered int        `json:"delivered,omitempty"`
}

// ContactStore is the slice of pairing.Store the gate needs.
type ContactStore interface {
	CheckAccess(ctx context.Context, senderID string) (pairing.Status, error)
	GenerateCode(ctx context.Context, senderID, name string) (string, time.Time, error)
	CodeExpiry() time.Duration
}

// SessionStore is the slice of session.Store the pipeline needs.
type SessionStore interface {
	GetOrCreate(ctx context.Context, senderID, name string) (string, error)
	Append(ctx context.Context, key string, msg session.Message) error
	ReplyInput(ctx context.Context, key string) ([]session.Turn, error)
	NeedsCompaction(key string) bool
	Compact(ctx context.Context, key, summary string) error
}

// Policy is the hot-reloadable part of the pipeline's behavior.
type Policy struct {
	BlockGroups bool
	// Allowed, when non-empty, is the only set of senders that get a reply.
	Allowed []string
}

func (p Policy) allows(sender string) bool {
	if len(p.Allowed) == 0 {
		return true
	}
	bare, _, _ := strings.Cut(sender, "@")
	for _, a := range p.Allowed {
		a = strings.TrimSpace(a)
		if a == sender || (a != "" && a == bare) {
			return true
		}
	}
	return false
}

type Deps struct {
	// Contacts nil disables access control.
	Contacts ContactStore
	Sessions SessionStore
	Limiter  *ratelimit.Limiter
	Serial   *serial.Serializer
	Reply    reply.Guard
	Channel  delivery.Channel
	Chunker  chunker.Chunker
	Delivery delivery.ChunkOptions
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

type Pipeline struct {
	d      Deps
	policy atomic.Pointer[Policy]
}

func New(d Deps, policy Policy) (*Pipeline, error) {
	if d.Sessions == nil || d.Channel == nil || d.Limiter == nil || d.Serial == nil {
		return nil, fmt.Errorf("pipeline: sessions, channel, limiter and serializer are required")
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Chunker.MaxLength <= 0 {
		d.Chunker = chunker.New(0, -1)
	}
	p := &Pipeline{d: d}
	p.SetPolicy(policy)
	return p, nil
}

func (p *Pipeline) SetPolicy(pol Policy) { p.policy.Store(&pol) }
func (p *Pipeline) Policy() Policy       { return *p.policy.Load() }

// PairingEnabled reports whether the access gate is active.
func (p *Pipeline) PairingEnabled() bool { return p.d.Contacts != nil }

// Process runs one notification to completion. A non-nil error means a
// storage failure; every other unhappy path is a Result.
func (p *Pipeline) Process(ctx context.Context, n Notification) (Result, error) {
	return p.Admit(n).Run(ctx)
}

// Admission is a notification that passed the cheap filters and holds its
// place in the sender's line, or one that was already decided.
type Admission struct {
	p      *Pipeline
	n      Notification
	sender string
	log    logx.Logger
	ticket *serial.Ticket
	res    Result
}

// Admit applies the self, group, allowlist and rate filters and reserves
// the sender's place in line. It never blocks, so callers that Admit in
// arrival order get processing in arrival order.
func (p *Pipeline) Admit(n Notification) *Admission {
	sender := strings.TrimSpace(n.SenderID)
	log := p.d.Log.With(logx.Sender(sender))
	if n.MessageID != "" {
		log = log.With(logx.String("message_id", n.MessageID))
	}
	a := &Admission{p: p, n: n, sender: sender, log: log}
	pol := p.Policy()

	switch {
	case n.IsFromMe:
		a.res = p.done(sender, Result{Outcome: OutcomeDroppedSelf})
	case n.IsGroup && pol.BlockGroups:
		log.Security("blocked group message")
		a.res = p.done(sender, Result{Outcome: OutcomeDroppedGroup})
	case !pol.allows(sender):
		log.Security("sender not in allowed recipients")
		a.res = p.done(sender, Result{Outcome: OutcomeNotAllowed})
	case !p.d.Limiter.Allow(sender, p.d.Now()):
		log.Info("rate limited")
		a.res = p.done(sender, Result{Outcome: OutcomeRateLimited})
	default:
		a.ticket = p.d.Serial.Reserve(sender)
	}
	return a
}

// Queued reports whether the notification is waiting for its turn.
func (a *Admission) Queued() bool { return a.ticket != nil }

// Run waits for the sender's turn and processes the notification. A
// dropped notification returns its Result at once.
func (a *Admission) Run(ctx context.Context) (Result, error) {
	if a.ticket == nil {
		return a.res, nil
	}
	release, err := a.ticket.Wait(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	return a.p.processLocked(ctx, a.log, a.sender, a.n)
}

// Cancel gives up the reserved place without processing.
func (a *Admission) Cancel() {
	if a.ticket != nil {
		a.ticket.Cancel()
	}
}

func (p *Pipeline) processLocked(ctx context.Context, log logx.Logger, sender string, n Notification) (Result, error) {
	if p.d.Contacts != nil {
		res, pass, err := p.gate(ctx, log, sender, n.SenderName)
		if err != nil || !pass {
			return p.done(sender, res), err
		}
	}

	content := Normalize(n.Content, n.MediaType)
	if content == "" {
		return p.done(sender, Result{Outcome: OutcomeEmpty}), nil
	}
	log.Debug("message accepted", logx.Preview("text", content, 50))

	// From here on a reply attempt is under way; record it even if storage
	// fails so a broken sender cannot trigger a retry storm.
	defer func() { p.d.Limiter.Record(sender, p.d.Now()) }()

	ts := n.Timestamp
	if ts.IsZero() {
		ts = p.d.Now()
	}
	key, err := p.d.Sessions.GetOrCreate(ctx, sender, n.SenderName)
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	err = p.d.Sessions.Append(ctx, key, session.Message{
		Role:       session.RoleUser,
		Content:    content,
		Timestamp:  ts,
		SenderID:   sender,
		SenderName: strings.TrimSpace(n.SenderName),
	})
	if err != nil {
		return Result{}, fmt.Errorf("append inbound: %w", err)
	}

	var res Result
	if p.d.Sessions.NeedsCompaction(key) {
		if err := p.compact(ctx, log, key); err != nil {
			return Result{}, err
		}
		res.Compacted = true
		p.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeSessionCompact, Sender: sender})
	}

	history, err := p.d.Sessions.ReplyInput(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read history: %w", err)
	}
	out := p.d.Reply.Reply(reply.WithSender(ctx, sender), history, n.SenderName)
	res.ReplyKind = out.Kind

	chunks := p.d.Chunker.Split(out.Text)
	results := delivery.SendChunked(ctx, p.d.Channel, sender, chunks, p.d.Delivery, log)
	res.Chunks = len(chunks)
	res.Delivered = delivery.Delivered(results)

	if res.Delivered == 0 {
		log.Warn("reply not delivered", logx.Int("chunks", res.Chunks))
		res.Outcome = OutcomeDeliveryFailed
		return p.done(sender, res), nil
	}
	err = p.d.Sessions.Append(ctx, key, session.Message{
		Role:      session.RoleAssistant,
		Content:   out.Text,
		Timestamp: p.d.Now(),
		SenderID:  sender,
	})
	if err != nil {
		return Result{}, fmt.Errorf("append reply: %w", err)
	}
	res.Outcome = OutcomeReplied
	log.Info("reply sent",
		logx.Int("chunks", res.Chunks),
		logx.Int("delivered", res.Delivered),
		logx.Int("reply_length", len(out.Text)),
		logx.String("reply_kind", string(out.Kind)))
	return p.done(sender, res), nil
}

// gate applies the access table. pass is true only for approved senders.
func (p *Pipeline) gate(ctx context.Context, log logx.Logger, sender, name string) (Result, bool, error) {
	status, err := p.d.Contacts.CheckAccess(ctx, sender)
	if err != nil {
		return Result{}, false, fmt.Errorf("check access: %w", err)
	}
	switch status {
	case pairing.StatusApproved:
		return Result{}, true, nil
	case pairing.StatusBlocked:
		log.Security("blocked sender")
		return Result{Outcome: OutcomeBlocked}, false, nil
	case pairing.StatusPending:
		p.notify(ctx, log, sender, PendingNotice)
		p.d.Limiter.Record(sender, p.d.Now())
		return Result{Outcome: OutcomePendingNotice}, false, nil
	default:
		code, expires, err := p.d.Contacts.GenerateCode(ctx, sender, name)
		if err != nil {
			return Result{}, false, fmt.Errorf("issue pairing code: %w", err)
		}
		log.Security("pairing code issued", logx.Time("expires_at", expires))
		p.d.Bus.Publish(eventbus.Event{Type: eventbus.TypePairingIssued, Sender: sender, Data: map[string]any{"expires_at": expires}})
		p.notify(ctx, log, sender, PairingMessage(code, p.d.Contacts.CodeExpiry()))
		p.d.Limiter.Record(sender, p.d.Now())
		return Result{Outcome: OutcomePairingSent}, false, nil
	}
}

func (p *Pipeline) notify(ctx context.Context, log logx.Logger, sender, text string) {
	res := delivery.SendChunked(ctx, p.d.Channel, sender, []string{text}, delivery.ChunkOptions{Timeout: p.d.Delivery.Timeout}, log)
	if delivery.Delivered(res) == 0 {
		log.Warn("access notice not delivered")
	}
}

func (p *Pipeline) compact(ctx context.Context, log logx.Logger, key string) error {
	history, err := p.d.Sessions.ReplyInput(ctx, key)
	if err != nil {
		return fmt.Errorf("read history for compaction: %w", err)
	}
	log.Info("compacting session", logx.Int("turns", len(history)))
	summary := p.d.Reply.Summary(ctx, history)
	if err := p.d.Sessions.Compact(ctx, key, summary.Text); err != nil {
		return fmt.Errorf("compact session: %w", err)
	}
	return nil
}

func (p *Pipeline) done(sender string, r Result) Result {
	if r.Outcome != "" {
		p.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeProcessed, Sender: sender, Data: r})
	}
	return r
}
