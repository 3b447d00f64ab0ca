package config

// Default returns the built-in configuration. File values are decoded on top of it,
// then environment overrides are applied.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:            "127.0.0.1",
			Port:            8084,
			ShutdownTimeout: "10s",
		},
		Bridge: BridgeConfig{
			Driver:        "http",
			URL:           "http://localhost:8082/api",
			SendTimeout:   "10s",
			ChunkInterval: "500ms",
		},
		LLM: LLMConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxTokens:      1024,
			Temperature:    0.7,
			Timeout:        "60s",
			SummaryTimeout: "60s",
			CLI: CLIConfig{
				Command:   "claude",
				Workspace: "workspace",
				MaxTurns:  5,
			},
		},
		Session: SessionConfig{
			StorageDir:             "sessions",
			IdleReset:              "60m",
			MaxHistoryTokens:       50000,
			CompactionTargetTokens: 10000,
			TokenEstimator:         "heuristic",
			ReconcileSchedule:      "@every 1h",
		},
		Pairing: PairingConfig{
			Enabled:     true,
			DBPath:      "contacts.db",
			CodeExpiry:  "10m",
			CodeLength:  6,
			BusyTimeout: "5s",
		},
		Security: SecurityConfig{
			AllowedRecipients: []string{},
			BlockGroups:       true,
			RateLimit:         "5s",
			MaxMessageLength:  4096,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		PersonaFile: "PERSONA.md",
	}
}
