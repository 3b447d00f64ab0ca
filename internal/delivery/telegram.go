package delivery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "autoreply/internal/runtime/supervisor"
	logx "autoreply/pkg/logx"
)

type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides https://api.telegram.org (tests, self-hosted API servers).
	APIURL string
	// Offline skips the getMe handshake at construction.
	Offline bool
}

// Inbound is a text message received by a transport that can also listen.
type Inbound struct {
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	IsGroup    bool
	Timestamp  time.Time
}

// Telegram delivers to a numeric chat id and can feed private text messages
// back into the daemon.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, log: log}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, recipient, text string) Result {
	id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return Result{Detail: "telegram recipient must be a numeric chat id"}
	}
	if err := ctx.Err(); err != nil {
		return Result{Detail: err.Error()}
	}

	type sent struct {
		msg *tele.Message
		err error
	}
	done := make(chan sent, 1)
	go func() {
		m, err := t.bot.Send(&tele.Chat{ID: id}, text)
		done <- sent{m, err}
	}()
	select {
	case <-ctx.Done():
		return Result{Detail: ctx.Err().Error()}
	case r := <-done:
		if r.err != nil {
			t.log.Error("telegram send failed", logx.Sender(recipient), logx.Err(r.err))
			return Result{Detail: r.err.Error()}
		}
		return Result{OK: true, Detail: "message " + strconv.Itoa(r.msg.ID) + " sent"}
	}
}

func (t *Telegram) HealthCheck(ctx context.Context) bool {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Raw("getMe", nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return false
	case err := <-done:
		return err == nil
	}
}

// Listen starts long polling and hands every text message to fn until ctx
// ends or Stop is called.
func (t *Telegram) Listen(ctx context.Context, fn func(Inbound)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sup != nil || fn == nil {
		return
	}
	t.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		fn(inboundFrom(m))
		return nil
	})

	t.sup = rtsup.New(ctx, rtsup.WithLogger(t.log), rtsup.WithCancelOnError(false))
	t.sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		t.bot.Stop()
	})
	t.sup.GoRestart("telegram.poll", func(c context.Context) error {
		t.log.Info("telegram polling started")
		t.bot.Start()
		t.log.Info("telegram polling stopped")
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
}

func (t *Telegram) Stop(ctx context.Context) error {
	t.mu.Lock()
	sup := t.sup
	t.sup = nil
	t.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func inboundFrom(m *tele.Message) Inbound {
	name := strings.TrimSpace(strings.TrimSpace(m.Sender.FirstName) + " " + strings.TrimSpace(m.Sender.LastName))
	if name == "" {
		name = m.Sender.Username
	}
	return Inbound{
		MessageID:  strconv.Itoa(m.ID),
		SenderID:   strconv.FormatInt(m.Chat.ID, 10),
		SenderName: name,
		Text:       m.Text,
		IsGroup:    m.Chat.Type != tele.ChatPrivate,
		Timestamp:  m.Time(),
	}
}
