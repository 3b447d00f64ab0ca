package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	logx "autoreply/pkg/logx"
)

type BridgeConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Bridge talks to a WhatsApp bridge REST API: POST {base}/send with
// {"recipient","message"}, answered by {"success","message"}.
type Bridge struct {
	base string
	http *http.Client
	log  logx.Logger
}

func NewBridge(cfg BridgeConfig, log logx.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{
		base: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

func (b *Bridge) Name() string { return "bridge" }

type bridgeSend struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type bridgeReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (b *Bridge) post(ctx context.Context, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/send", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.http.Do(req)
}

func (b *Bridge) Send(ctx context.Context, recipient, text string) Result {
	resp, err := b.post(ctx, bridgeSend{Recipient: recipient, Message: text})
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			b.log.Error("bridge unreachable", logx.String("url", b.base), logx.Err(err))
			return Result{Detail: "cannot connect to bridge: " + err.Error()}
		}
		b.log.Error("bridge send error", logx.Err(err))
		return Result{Detail: "unexpected error: " + err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		b.log.Error("bridge http error", logx.Int("status", resp.StatusCode), logx.String("body", truncate(string(raw), 200)))
		return Result{Detail: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(raw))}
	}
	var rep bridgeReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return Result{Detail: "bad bridge response: " + err.Error()}
	}
	if rep.Message == "" {
		rep.Message = "Unknown response"
	}
	if rep.Success {
		b.log.Debug("message sent", logx.Sender(recipient), logx.Int("length", len(text)))
	} else {
		b.log.Error("message send failed", logx.Sender(recipient), logx.String("detail", rep.Message))
	}
	return Result{OK: rep.Success, Detail: rep.Message}
}

// HealthCheck posts an empty body. Any of 200/400/405 means the bridge is up.
func (b *Bridge) HealthCheck(ctx context.Context) bool {
	resp, err := b.post(ctx, struct{}{})
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
