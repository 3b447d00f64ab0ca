package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"autoreply/internal/maintenance"
	logx "autoreply/pkg/logx"
)

// Validate checks every field eagerly and reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, required bool) {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			add(err)
			return
		}
		if required && d <= 0 {
			add(fmt.Errorf("%s: must be > 0", path))
		}
	}

	if strings.TrimSpace(cfg.Daemon.Host) == "" {
		add(errors.New("daemon.host: required"))
	}
	if cfg.Daemon.Port < 0 || cfg.Daemon.Port > 65535 {
		add(fmt.Errorf("daemon.port: out of range: %d", cfg.Daemon.Port))
	}
	dur("daemon.shutdown_timeout", cfg.Daemon.ShutdownTimeout, false)

	switch strings.ToLower(strings.TrimSpace(cfg.Bridge.Driver)) {
	case "http", "":
		if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.Bridge.URL)); err != nil {
			add(fmt.Errorf("bridge.url: %w", err))
		}
	case "telegram":
		if strings.TrimSpace(cfg.Bridge.TelegramToken) == "" {
			add(errors.New("bridge.telegram_token: required for telegram driver"))
		}
	default:
		add(fmt.Errorf("bridge.driver: unknown driver %q", cfg.Bridge.Driver))
	}
	dur("bridge.send_timeout", cfg.Bridge.SendTimeout, true)
	dur("bridge.chunk_interval", cfg.Bridge.ChunkInterval, false)

	switch strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)) {
	case "", "openai":
	case "cli":
		if strings.TrimSpace(cfg.LLM.CLI.Command) == "" {
			add(errors.New("llm.cli.command: required for cli provider"))
		}
		if cfg.LLM.CLI.MaxTurns < 0 {
			add(errors.New("llm.cli.max_turns: must be >= 0"))
		}
	default:
		add(fmt.Errorf("llm.provider: unknown provider %q", cfg.LLM.Provider))
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		add(errors.New("llm.model: required"))
	}
	if cfg.LLM.MaxTokens < 0 {
		add(errors.New("llm.max_tokens: must be >= 0"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add(fmt.Errorf("llm.temperature: out of range: %v", cfg.LLM.Temperature))
	}
	dur("llm.timeout", cfg.LLM.Timeout, true)
	dur("llm.summary_timeout", cfg.LLM.SummaryTimeout, true)

	if strings.TrimSpace(cfg.Session.StorageDir) == "" {
		add(errors.New("session.storage_dir: required"))
	}
	dur("session.idle_reset", cfg.Session.IdleReset, true)
	if cfg.Session.MaxHistoryTokens <= 0 {
		add(errors.New("session.max_history_tokens: must be > 0"))
	}
	if cfg.Session.CompactionTargetTokens <= 0 || cfg.Session.CompactionTargetTokens >= cfg.Session.MaxHistoryTokens {
		add(errors.New("session.compaction_target_tokens: must be > 0 and < max_history_tokens"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Session.TokenEstimator)) {
	case "", "heuristic", "tiktoken":
	default:
		add(fmt.Errorf("session.token_estimator: unknown estimator %q", cfg.Session.TokenEstimator))
	}
	if spec := strings.TrimSpace(cfg.Session.ReconcileSchedule); spec != "" {
		if err := maintenance.CheckSchedule(spec); err != nil {
			add(fmt.Errorf("session.reconcile_schedule: %w", err))
		}
	}

	if strings.TrimSpace(cfg.Pairing.DBPath) == "" {
		add(errors.New("pairing.db_path: required"))
	}
	dur("pairing.code_expiry", cfg.Pairing.CodeExpiry, true)
	dur("pairing.busy_timeout", cfg.Pairing.BusyTimeout, false)
	if cfg.Pairing.CodeLength < 4 || cfg.Pairing.CodeLength > 12 {
		add(fmt.Errorf("pairing.code_length: must be within [4,12], got %d", cfg.Pairing.CodeLength))
	}

	dur("security.rate_limit", cfg.Security.RateLimit, false)
	if cfg.Security.MaxMessageLength < 200 {
		add(fmt.Errorf("security.max_message_length: must be >= 200, got %d", cfg.Security.MaxMessageLength))
	}

	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	return errors.Join(errs...)
}
