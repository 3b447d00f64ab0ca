package config

// Config is the daemon configuration as read from disk.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1h").
// Omitted fields keep the values from Default().
type Config struct {
	Daemon   DaemonConfig   `json:"daemon"`
	Bridge   BridgeConfig   `json:"bridge"`
	LLM      LLMConfig      `json:"llm"`
	Session  SessionConfig  `json:"session"`
	Pairing  PairingConfig  `json:"pairing"`
	Security SecurityConfig `json:"security"`
	Admin    AdminConfig    `json:"admin"`
	Logging  LoggingConfig  `json:"logging"`

	// PersonaFile holds the system prompt. Re-read when its mtime changes.
	PersonaFile string `json:"persona_file"`
}

type DaemonConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// ShutdownTimeout bounds the whole stop sequence.
	ShutdownTimeout string `json:"shutdown_timeout"`
}

// BridgeConfig selects and configures the outbound delivery channel.
//
// Driver values:
//   - "http": POST {url}/send to a message bridge
//   - "telegram": Bot API via telebot (recipient = numeric chat id)
type BridgeConfig struct {
	Driver        string `json:"driver"`
	URL           string `json:"url"`
	SendTimeout   string `json:"send_timeout"`
	ChunkInterval string `json:"chunk_interval"`
	TelegramToken string `json:"telegram_token,omitempty"` // never logged
	// TelegramInbound also feeds Telegram messages into the pipeline (telegram driver only).
	TelegramInbound bool `json:"telegram_inbound,omitempty"`
}

// LLMConfig selects the reply backend.
//
// Provider values:
//   - "openai": any OpenAI-compatible chat completions API
//   - "cli": a local agent CLI run once per message, resuming a per-sender session
type LLMConfig struct {
	Provider       string  `json:"provider"`
	BaseURL        string  `json:"base_url"`
	APIKey         string  `json:"api_key,omitempty"` // never logged
	Model          string  `json:"model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	Timeout        string  `json:"timeout"`
	SummaryTimeout string  `json:"summary_timeout"`

	CLI CLIConfig `json:"cli"`
}

type CLIConfig struct {
	Command string `json:"command"`
	// Workspace is the working directory; the resume map is stored there.
	Workspace string `json:"workspace"`
	MaxTurns  int    `json:"max_turns"`
	// Empty tool lists fall back to a read-only default set.
	AllowedTools    []string `json:"allowed_tools"`
	DisallowedTools []string `json:"disallowed_tools"`
	MCPConfig       string   `json:"mcp_config"`
}

type SessionConfig struct {
	StorageDir             string `json:"storage_dir"`
	IdleReset              string `json:"idle_reset"`
	MaxHistoryTokens       int    `json:"max_history_tokens"`
	CompactionTargetTokens int    `json:"compaction_target_tokens"`
	// TokenEstimator is "heuristic" (len/4) or "tiktoken".
	TokenEstimator string `json:"token_estimator"`
	// ReconcileSchedule is a cron spec for index reconciliation; empty disables it.
	ReconcileSchedule string `json:"reconcile_schedule"`
}

type PairingConfig struct {
	Enabled     bool   `json:"enabled"`
	DBPath      string `json:"db_path"`
	CodeExpiry  string `json:"code_expiry"`
	CodeLength  int    `json:"code_length"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SecurityConfig struct {
	// AllowedRecipients restricts who may receive replies. Empty allows everyone.
	AllowedRecipients []string `json:"allowed_recipients"`
	BlockGroups       bool     `json:"block_groups"`
	RateLimit         string   `json:"rate_limit"`
	MaxMessageLength  int      `json:"max_message_length"`
	WebhookSecret     string   `json:"webhook_secret,omitempty"` // never logged
}

// AdminConfig guards the /admin endpoints. An empty token disables them.
type AdminConfig struct {
	Token string `json:"token,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
