package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

// Read-only tool sets used when CLIConfig leaves the lists empty.
var (
	DefaultAllowedTools = []string{
		"Read", "Grep", "Glob", "WebSearch", "WebFetch",
	}
	DefaultDisallowedTools = []string{
		"Bash", "Edit", "Write", "NotebookEdit", "Task",
	}
)

const resumeMapName = ".session_map.json"

type CLIConfig struct {
	Command         string
	Model           string
	Workspace       string
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string
	MCPConfig       string
	// Platform names the chat app in the appended system prompt.
	Platform string
}

// CLI generates replies by running an agent CLI once per message. The CLI
// keeps its own conversation; only the newest user turn is sent, together
// with the sender's resume id from the previous run.
type CLI struct {
	cfg     CLIConfig
	persona *Persona
	log     logx.Logger

	mu     sync.Mutex
	resume map[string]string
}

func NewCLI(cfg CLIConfig, persona *Persona, log logx.Logger) (*CLI, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("cli command is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 5
	}
	if len(cfg.AllowedTools) == 0 {
		cfg.AllowedTools = DefaultAllowedTools
	}
	if len(cfg.DisallowedTools) == 0 {
		cfg.DisallowedTools = DefaultDisallowedTools
	}
	if cfg.Platform == "" {
		cfg.Platform = "WhatsApp"
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	ws, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ws, 0o700); err != nil {
		return nil, fmt.Errorf("create cli workspace: %w", err)
	}
	cfg.Workspace = ws
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &CLI{cfg: cfg, persona: persona, log: log, resume: map[string]string{}}
	b, err := os.ReadFile(c.mapPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &c.resume); err != nil {
			return nil, fmt.Errorf("decode %s: %w", resumeMapName, err)
		}
		log.Info("resume map loaded", logx.Int("count", len(c.resume)))
	}
	return c, nil
}

func (c *CLI) Model() string { return c.cfg.Model }

func (c *CLI) mapPath() string { return filepath.Join(c.cfg.Workspace, resumeMapName) }

// ResumeID is the CLI session the sender's next message continues.
func (c *CLI) ResumeID(sender string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resume[sender]
}

// Forget drops the sender's resume id so the next run starts fresh.
func (c *CLI) Forget(sender string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resume[sender]; !ok {
		return nil
	}
	delete(c.resume, sender)
	return c.saveLocked()
}

func (c *CLI) remember(sender, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resume[sender] == id {
		return nil
	}
	c.resume[sender] = id
	return c.saveLocked()
}

func (c *CLI) saveLocked() error {
	b, err := json.MarshalIndent(c.resume, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.mapPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.mapPath())
}

type cliResult struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

func (c *CLI) Generate(ctx context.Context, history []session.Turn, senderName string) (string, error) {
	msg := lastUserTurn(history)
	if msg == "" {
		return "", fmt.Errorf("%w: no user message", ErrAPI)
	}
	sender := SenderFrom(ctx)
	resume := ""
	if sender != "" {
		resume = c.ResumeID(sender)
	}

	res, stderr, err := c.run(ctx, msg, resume, c.systemPrompt(senderName))
	if err != nil && resume != "" && ctx.Err() == nil && strings.Contains(strings.ToLower(stderr), "session") {
		c.log.Info("resume failed; starting a fresh cli session", logx.Sender(sender))
		if ferr := c.Forget(sender); ferr != nil {
			c.log.Warn("failed to save resume map", logx.Err(ferr))
		}
		resume = ""
		res, _, err = c.run(ctx, msg, "", c.systemPrompt(senderName))
	}
	if err != nil {
		return "", err
	}

	if sender != "" && res.SessionID != "" {
		if err := c.remember(sender, res.SessionID); err != nil {
			c.log.Warn("failed to save resume map", logx.Err(err))
		}
	}
	c.log.Info("reply generated",
		logx.Sender(sender),
		logx.String("resumed", resume),
		logx.String("session_id", res.SessionID),
		logx.Int("reply_length", len(res.Result)))
	return res.Result, nil
}

// Summarize runs a one-off session that is not remembered for any sender.
func (c *CLI) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following conversation concisely, keeping names, facts and open questions.\n\n")
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	res, _, err := c.run(ctx, b.String(), "", "")
	if err != nil {
		return "", err
	}
	return res.Result, nil
}

func (c *CLI) systemPrompt(senderName string) string {
	var b strings.Builder
	if c.persona != nil {
		if p := strings.TrimSpace(c.persona.Text()); p != "" {
			b.WriteString(p)
			b.WriteString("\n\n")
		}
	}
	name := strings.TrimSpace(senderName)
	if name == "" {
		name = "someone"
	}
	fmt.Fprintf(&b, "You are chatting with %s on %s. Keep your response concise and conversational. No markdown formatting.", name, c.cfg.Platform)
	return b.String()
}

func (c *CLI) args(resume, system string) []string {
	args := []string{"-p", "--output-format", "json", "--max-turns", strconv.Itoa(c.cfg.MaxTurns)}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	if len(c.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.cfg.AllowedTools, ","))
	}
	if len(c.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.cfg.DisallowedTools, ","))
	}
	if c.cfg.MCPConfig != "" {
		args = append(args, "--mcp-config", c.cfg.MCPConfig)
	}
	if system != "" {
		args = append(args, "--append-system-prompt", system)
	}
	return args
}

// run feeds msg on stdin. The process is killed when ctx ends.
func (c *CLI) run(ctx context.Context, msg, resume, system string) (cliResult, string, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.args(resume, system)...)
	cmd.Dir = c.cfg.Workspace
	cmd.Stdin = strings.NewReader(msg)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	errText := truncateText(stderr.String(), 500)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cliResult{}, errText, ctxErr
		}
		c.log.Error("cli exited with error", logx.Err(err), logx.String("stderr", errText))
		return cliResult{}, errText, fmt.Errorf("%w: %v", ErrAPI, err)
	}

	var res cliResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		c.log.Error("cli output is not json", logx.Preview("stdout", stdout.String(), 200))
		return cliResult{}, errText, fmt.Errorf("%w: decode cli output: %v", ErrAPI, err)
	}
	if res.IsError {
		return cliResult{}, errText, fmt.Errorf("%w: %s", ErrAPI, truncateText(res.Result, 200))
	}
	return res, errText, nil
}

func lastUserTurn(history []session.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func truncateText(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type senderKey struct{}

// WithSender tags ctx with the sender a reply is for. Backends that keep
// per-sender state read it back with SenderFrom.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey{}, sender)
}

func SenderFrom(ctx context.Context) string {
	s, _ := ctx.Value(senderKey{}).(string)
	return s
}
