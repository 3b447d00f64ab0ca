package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations is the parsed form of every duration string in Config.
type Durations struct {
	Shutdown       time.Duration
	SendTimeout    time.Duration
	ChunkInterval  time.Duration
	LLMTimeout     time.Duration
	SummaryTimeout time.Duration
	IdleReset      time.Duration
	CodeExpiry     time.Duration
	BusyTimeout    time.Duration
	RateLimit      time.Duration
}

// Durations parses all duration fields, falling back to defaults for empty ones.
// RateLimit and ChunkInterval may legitimately be zero.
func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		if err != nil {
			return
		}
		*dst, err = ParseDurationOrDefault(path, raw, def)
	}
	parse(&d.Shutdown, "daemon.shutdown_timeout", c.Daemon.ShutdownTimeout, 10*time.Second)
	parse(&d.SendTimeout, "bridge.send_timeout", c.Bridge.SendTimeout, 10*time.Second)
	parse(&d.LLMTimeout, "llm.timeout", c.LLM.Timeout, 60*time.Second)
	parse(&d.SummaryTimeout, "llm.summary_timeout", c.LLM.SummaryTimeout, 60*time.Second)
	parse(&d.IdleReset, "session.idle_reset", c.Session.IdleReset, time.Hour)
	parse(&d.CodeExpiry, "pairing.code_expiry", c.Pairing.CodeExpiry, 10*time.Minute)
	parse(&d.BusyTimeout, "pairing.busy_timeout", c.Pairing.BusyTimeout, 5*time.Second)
	if err != nil {
		return Durations{}, err
	}
	if d.ChunkInterval, err = ParseDurationField("bridge.chunk_interval", c.Bridge.ChunkInterval); err != nil {
		return Durations{}, err
	}
	if d.RateLimit, err = ParseDurationField("security.rate_limit", c.Security.RateLimit); err != nil {
		return Durations{}, err
	}
	return d, nil
}

// Addr is the webhook listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(c.Daemon.Host), c.Daemon.Port)
}
