package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvOverride maps one environment variable onto a config field.
type EnvOverride struct {
	Name  string
	Apply func(cfg *Config, v string) error
}

// EnvOverrides lists every recognized variable. They are applied after the file,
// in this order, so a later entry wins when two target the same field.
var EnvOverrides = []EnvOverride{
	{"AUTOREPLY_HOST", func(c *Config, v string) error { c.Daemon.Host = v; return nil }},
	{"AUTOREPLY_PORT", func(c *Config, v string) error {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid port %q", v)
		}
		c.Daemon.Port = p
		return nil
	}},
	{"AUTOREPLY_BRIDGE_DRIVER", func(c *Config, v string) error { c.Bridge.Driver = v; return nil }},
	{"AUTOREPLY_BRIDGE_URL", func(c *Config, v string) error { c.Bridge.URL = v; return nil }},
	{"AUTOREPLY_TELEGRAM_TOKEN", func(c *Config, v string) error { c.Bridge.TelegramToken = v; return nil }},
	{"OPENAI_API_KEY", func(c *Config, v string) error { c.LLM.APIKey = v; return nil }},
	{"AUTOREPLY_LLM_API_KEY", func(c *Config, v string) error { c.LLM.APIKey = v; return nil }},
	{"AUTOREPLY_LLM_BASE_URL", func(c *Config, v string) error { c.LLM.BaseURL = v; return nil }},
	{"AUTOREPLY_LLM_PROVIDER", func(c *Config, v string) error { c.LLM.Provider = v; return nil }},
	{"AUTOREPLY_LLM_MODEL", func(c *Config, v string) error { c.LLM.Model = v; return nil }},
	{"AUTOREPLY_SESSION_DIR", func(c *Config, v string) error { c.Session.StorageDir = v; return nil }},
	{"AUTOREPLY_PAIRING_DB", func(c *Config, v string) error { c.Pairing.DBPath = v; return nil }},
	{"AUTOREPLY_PAIRING_ENABLED", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid bool %q", v)
		}
		c.Pairing.Enabled = b
		return nil
	}},
	{"WHATSAPP_MCP_ALLOWED_RECIPIENT", applyAllowedRecipients},
	{"AUTOREPLY_ALLOWED_RECIPIENTS", applyAllowedRecipients},
	{"AUTOREPLY_WEBHOOK_SECRET", func(c *Config, v string) error { c.Security.WebhookSecret = v; return nil }},
	{"AUTOREPLY_ADMIN_TOKEN", func(c *Config, v string) error { c.Admin.Token = v; return nil }},
	{"AUTOREPLY_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
}

func applyAllowedRecipients(c *Config, v string) error {
	c.Security.AllowedRecipients = splitList(v)
	return nil
}

// ApplyEnv applies EnvOverrides using lookup (normally os.LookupEnv).
// Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	for _, o := range EnvOverrides {
		v, ok := lookup(o.Name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := o.Apply(cfg, v); err != nil {
			return fmt.Errorf("env %s: %w", o.Name, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
