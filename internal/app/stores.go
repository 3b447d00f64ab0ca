package app

import (
	"strings"

	"autoreply/internal/config"
	"autoreply/internal/pairing"
	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

func mapPairingConfig(cfg *config.Config, d config.Durations) pairing.Config {
	return pairing.Config{
		Path:        strings.TrimSpace(cfg.Pairing.DBPath),
		CodeLength:  cfg.Pairing.CodeLength,
		CodeExpiry:  d.CodeExpiry,
		BusyTimeout: d.BusyTimeout,
	}
}

func mapSessionConfig(cfg *config.Config, d config.Durations) session.Config {
	return session.Config{
		Dir:              strings.TrimSpace(cfg.Session.StorageDir),
		IdleReset:        d.IdleReset,
		MaxHistoryTokens: cfg.Session.MaxHistoryTokens,
		Estimator:        session.NewEstimator(cfg.Session.TokenEstimator),
	}
}

// OpenContacts opens the access-control database named by cfg. It works
// whether or not pairing is enabled so the CLI can manage contacts offline.
func OpenContacts(cfg *config.Config, log logx.Logger) (*pairing.Store, error) {
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	return pairing.Open(mapPairingConfig(cfg, d), log.Component("pairing"))
}

func OpenSessions(cfg *config.Config, log logx.Logger) (*session.Store, error) {
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	return session.Open(mapSessionConfig(cfg, d), log.Component("session"))
}
