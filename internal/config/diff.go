package config

import (
	"reflect"

	logx "autoreply/pkg/logx"
)

// Reloadable sections are applied live; everything else needs a restart.
var restartSections = map[string]bool{
	"daemon":  true,
	"bridge":  true,
	"llm":     true,
	"session": true,
	"pairing": true,
	"admin":   true,

	"persona_file": true,
}

// SummarizeChange returns the changed top-level sections, safe log attrs
// (never secrets), and whether any changed section needs a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 8)
	restart := false

	note := func(section string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if restartSections[section] {
			restart = true
		}
	}

	note("daemon", oldCfg.Daemon != newCfg.Daemon,
		logx.String("daemon.host", newCfg.Daemon.Host), logx.Int("daemon.port", newCfg.Daemon.Port))
	note("bridge", oldCfg.Bridge != newCfg.Bridge,
		logx.String("bridge.driver", newCfg.Bridge.Driver), logx.String("bridge.url", newCfg.Bridge.URL))
	note("llm", !reflect.DeepEqual(oldCfg.LLM, newCfg.LLM),
		logx.String("llm.provider", newCfg.LLM.Provider),
		logx.String("llm.model", newCfg.LLM.Model), logx.Bool("llm.api_key_set", newCfg.LLM.APIKey != ""))
	note("session", oldCfg.Session != newCfg.Session,
		logx.String("session.idle_reset", newCfg.Session.IdleReset))
	note("pairing", oldCfg.Pairing != newCfg.Pairing,
		logx.Bool("pairing.enabled", newCfg.Pairing.Enabled))
	note("security", !reflect.DeepEqual(oldCfg.Security, newCfg.Security),
		logx.Int("security.allowed_recipients", len(newCfg.Security.AllowedRecipients)),
		logx.Bool("security.block_groups", newCfg.Security.BlockGroups),
		logx.String("security.rate_limit", newCfg.Security.RateLimit),
		logx.Bool("security.webhook_secret_set", newCfg.Security.WebhookSecret != ""))
	note("admin", oldCfg.Admin != newCfg.Admin, logx.Bool("admin.token_set", newCfg.Admin.Token != ""))
	note("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level))
	note("persona_file", oldCfg.PersonaFile != newCfg.PersonaFile,
		logx.String("persona_file", newCfg.PersonaFile))

	return changed, attrs, restart
}
