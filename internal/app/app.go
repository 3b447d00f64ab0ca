// Package app wires the daemon together: configuration, stores, the message
// pipeline, the delivery channel and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"autoreply/internal/chunker"
	"autoreply/internal/config"
	"autoreply/internal/delivery"
	"autoreply/internal/eventbus"
	"autoreply/internal/maintenance"
	"autoreply/internal/pairing"
	"autoreply/internal/pipeline"
	"autoreply/internal/ratelimit"
	"autoreply/internal/reply"
	rtsup "autoreply/internal/runtime/supervisor"
	"autoreply/internal/serial"
	"autoreply/internal/server"
	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

const minChunkLength = 100

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	dur  config.Durations

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *rtsup.Supervisor

	contacts *pairing.Store
	sessions *session.Store
	limiter  *ratelimit.Limiter
	channel  delivery.Channel
	tg       *delivery.Telegram
	model    string

	pipe  *pipeline.Pipeline
	stats *pipeline.Stats
	disp  *pipeline.Dispatcher
	srv   *server.Server
	sched *maintenance.Scheduler
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	return NewWithManager(config.NewManager(cfgPath))
}

func NewWithManager(cfgm *config.Manager) (*App, error) {
	cfgm.SetLogger(logx.NewConsole("info").Component("config"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	cfgm.SetLogger(log.Component("config"))

	a := &App{
		cfgm:  cfgm,
		cfg:   cfg,
		dur:   d,
		log:   log.Component("app"),
		logs:  logSvc,
		bus:   eventbus.New(),
		stats: pipeline.NewStats(),
	}
	if err := a.build(log); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func policyFrom(cfg *config.Config) pipeline.Policy {
	return pipeline.Policy{
		BlockGroups: cfg.Security.BlockGroups,
		Allowed:     append([]string(nil), cfg.Security.AllowedRecipients...),
	}
}

func (a *App) build(log logx.Logger) error {
	cfg, d := a.cfg, a.dur

	var contacts pipeline.ContactStore
	if cfg.Pairing.Enabled {
		st, err := pairing.Open(mapPairingConfig(cfg, d), log.Component("pairing"))
		if err != nil {
			return fmt.Errorf("open contact store: %w", err)
		}
		a.contacts = st
		contacts = st
	}

	// Set once the reply backend exists; a reset also drops any per-sender
	// backend state.
	var forget func(sender string) error
	sessions, err := session.Open(mapSessionConfig(cfg, d), log.Component("session"),
		session.WithResetHook(func(key string) {
			if forget == nil {
				return
			}
			if err := forget(session.SenderOf(key)); err != nil {
				log.Warn("failed to drop backend session", logx.String("session", key), logx.Err(err))
			}
		}))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	a.sessions = sessions

	platform := "WhatsApp"
	switch strings.ToLower(strings.TrimSpace(cfg.Bridge.Driver)) {
	case "telegram":
		tg, err := delivery.NewTelegram(delivery.TelegramConfig{Token: cfg.Bridge.TelegramToken}, log.Component("telegram"))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.tg, a.channel, platform = tg, tg, "Telegram"
	default:
		a.channel = delivery.NewBridge(delivery.BridgeConfig{BaseURL: cfg.Bridge.URL, Timeout: d.SendTimeout}, log.Component("bridge"))
	}

	persona := reply.NewPersona(cfg.PersonaFile, log.Component("persona"))
	var backend reply.Backend
	switch strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)) {
	case "cli":
		cli, err := reply.NewCLI(reply.CLIConfig{
			Command:         cfg.LLM.CLI.Command,
			Model:           cfg.LLM.Model,
			Workspace:       cfg.LLM.CLI.Workspace,
			MaxTurns:        cfg.LLM.CLI.MaxTurns,
			AllowedTools:    cfg.LLM.CLI.AllowedTools,
			DisallowedTools: cfg.LLM.CLI.DisallowedTools,
			MCPConfig:       cfg.LLM.CLI.MCPConfig,
			Platform:        platform,
		}, persona, log.Component("llm"))
		if err != nil {
			return err
		}
		backend, forget, a.model = cli, cli.Forget, cli.Model()
	default:
		oa, err := reply.NewOpenAI(reply.OpenAIConfig{
			BaseURL:          cfg.LLM.BaseURL,
			APIKey:           cfg.LLM.APIKey,
			Model:            cfg.LLM.Model,
			MaxTokens:        cfg.LLM.MaxTokens,
			SummaryMaxTokens: min(cfg.Session.CompactionTargetTokens, 2048),
			Temperature:      float32(cfg.LLM.Temperature),
			Timeout:          d.LLMTimeout,
			Platform:         platform,
		}, persona, log.Component("llm"))
		if err != nil {
			return err
		}
		backend, a.model = oa, oa.Model()
	}

	a.limiter = ratelimit.New(d.RateLimit)
	a.pipe, err = pipeline.New(pipeline.Deps{
		Contacts: contacts,
		Sessions: sessions,
		Limiter:  a.limiter,
		Serial:   serial.New(),
		Reply: reply.Guard{
			Backend:        backend,
			ReplyTimeout:   d.LLMTimeout,
			SummaryTimeout: d.SummaryTimeout,
			Log:            log.Component("reply"),
		},
		Channel:  a.channel,
		Chunker:  chunker.New(cfg.Security.MaxMessageLength, minChunkLength),
		Delivery: delivery.ChunkOptions{Interval: d.ChunkInterval, Timeout: d.SendTimeout},
		Bus:      a.bus,
		Log:      log.Component("pipeline"),
	}, policyFrom(cfg))
	if err != nil {
		return err
	}

	a.sched = maintenance.New(log.Component("maintenance"), a.bus)
	if spec := strings.TrimSpace(cfg.Session.ReconcileSchedule); spec != "" {
		err := a.sched.Add(maintenance.Job{
			Name:     maintenance.JobReconcileSessions,
			Schedule: spec,
			Timeout:  5 * time.Minute,
			Run:      maintenance.ReconcileSessions(sessions, log.Component("maintenance")),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the HTTP listen address once started.
func (a *App) Addr() string {
	if a.srv == nil {
		return ""
	}
	return a.srv.Addr()
}

// ShutdownTimeout is the configured bound for Stop.
func (a *App) ShutdownTimeout() time.Duration { return a.dur.Shutdown }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("pipeline.stats", func(c context.Context) {
		defer unsub()
		a.stats.Run(c, events)
	})
	a.startEventLog()

	// In-flight messages must outlive the app context so Stop can drain them.
	a.disp = pipeline.NewDispatcher(context.WithoutCancel(ctx), a.pipe, a.log.Component("dispatcher"))

	srv, err := server.New(server.Config{
		Addr:          a.cfg.Addr(),
		WebhookSecret: a.cfg.Security.WebhookSecret,
		AdminToken:    a.cfg.Admin.Token,
		Model:         a.model,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}, server.Deps{
		Dispatcher: a.disp,
		Channel:    a.channel,
		Contacts:   a.adminContacts(),
		Sessions:   a.sessions,
		Outcomes:   a.stats.Snapshot,
	}, a.log.Component("http"))
	if err != nil {
		return err
	}
	if err := srv.Start(runCtx); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	a.srv = srv

	if a.tg != nil && a.cfg.Bridge.TelegramInbound {
		a.tg.Listen(runCtx, a.submitInbound)
	}

	a.sched.Start(runCtx)

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd()

	a.log.Info("app started",
		logx.String("addr", srv.Addr()),
		logx.String("delivery", a.channel.Name()),
		logx.String("model", a.model),
		logx.Bool("pairing", a.contacts != nil),
		logx.Int("sessions", a.sessions.Count()))

	hctx, cancel := context.WithTimeout(runCtx, a.dur.SendTimeout)
	defer cancel()
	if !a.channel.HealthCheck(hctx) {
		a.log.Warn("delivery channel not reachable at startup; replies will fail until it is", logx.String("delivery", a.channel.Name()))
	}
	return nil
}

func (a *App) adminContacts() server.Contacts {
	if a.contacts == nil {
		return nil
	}
	return a.contacts
}

func (a *App) submitInbound(in delivery.Inbound) {
	err := a.disp.Submit(pipeline.Notification{
		MessageID:  in.MessageID,
		SenderID:   in.SenderID,
		Content:    in.Text,
		IsGroup:    in.IsGroup,
		SenderName: in.SenderName,
		Timestamp:  in.Timestamp,
	})
	if err != nil && !errors.Is(err, pipeline.ErrDispatcherClosed) {
		a.log.Warn("inbound message not accepted", logx.Sender(in.SenderID), logx.Err(err))
	}
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Sender(e.Sender), logx.Time("time", e.Time))
			}
		}
	})
}

// startConfigReload applies the live-reloadable sections: logging, security
// policy, rate limit and webhook secret. Other sections need a restart.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if err := a.logs.Apply(logConfig(newCfg)); err != nil {
		a.log.Error("log sinks not fully applied", logx.Err(err))
	}
	if a.srv != nil {
		a.srv.SetWebhookSecret(newCfg.Security.WebhookSecret)
	}
	if d, err := newCfg.Durations(); err == nil {
		a.limiter.SetInterval(d.RateLimit)
	}
	a.pipe.SetPolicy(policyFrom(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if restart {
		a.log.Warn("some config changes need a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
}

// startSystemd reports readiness and feeds the watchdog when running under a
// Type=notify unit. Outside systemd both calls are no-ops.
func (a *App) startSystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// Stop shuts down in dependency order: stop accepting, drain in-flight
// messages, stop background loops, close stores. Each step is bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.srv != nil {
			a.srv.Stop(c)
		}
		return nil
	})
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	step("dispatcher", a.dur.Shutdown, func(c context.Context) error {
		if a.disp != nil {
			return a.disp.Drain(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.closeStores()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) closeStores() {
	if a.contacts != nil {
		if err := a.contacts.Close(); err != nil {
			a.log.Warn("close contact store", logx.Err(err))
		}
		a.contacts = nil
	}
}

// Run starts the app and blocks until ctx ends or a fatal error occurs, then
// stops within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), StopFatalError)
		return err
	}
	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = StopFatalError
		}
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), a.dur.Shutdown+5*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
