package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autoreply/internal/config"
	"autoreply/internal/pairing"
)

type bridgeRecorder struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (b *bridgeRecorder) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body["recipient"] != "" {
		b.mu.Lock()
		b.sent = append(b.sent, body)
		b.mu.Unlock()
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"success":true,"message":"sent"}`)
}

func (b *bridgeRecorder) messages() []map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]string(nil), b.sent...)
}

func llmServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
"choices":[{"index":0,"message":{"role":"assistant","content":"Hello from the bot"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testApp struct {
	*App
	bridge  *bridgeRecorder
	cfgPath string
}

func writeConfig(t *testing.T, path, bridgeURL, llmURL, dir string, pairingOn bool) {
	t.Helper()
	body := fmt.Sprintf(`
daemon:
  port: 0
  shutdown_timeout: 3s
bridge:
  url: %q
  chunk_interval: 0s
llm:
  base_url: %q
  model: test-model
session:
  storage_dir: %q
pairing:
  enabled: %t
  db_path: %q
security:
  rate_limit: 0s
logging:
  level: error
  console: false
admin:
  token: admintok
`, bridgeURL, llmURL+"/v1", filepath.Join(dir, "sessions"), pairingOn, filepath.Join(dir, "contacts.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func startApp(t *testing.T, pairingOn bool) *testApp {
	t.Helper()
	dir := t.TempDir()
	rec := &bridgeRecorder{}
	bridge := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(bridge.Close)
	llm := llmServer(t)

	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, bridge.URL, llm.URL, dir, pairingOn)

	m := config.NewManager(path)
	m.SetEnvLookup(func(k string) (string, bool) {
		if k == "OPENAI_API_KEY" {
			return "sk-test", true
		}
		return "", false
	})
	a, err := NewWithManager(m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopSignal)
	})
	return &testApp{App: a, bridge: rec, cfgPath: path}
}

func (ta *testApp) post(t *testing.T, path, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+ta.Addr()+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ta *testApp) waitSent(t *testing.T, n int) []map[string]string {
	t.Helper()
	require.Eventually(t, func() bool { return len(ta.bridge.messages()) >= n }, 5*time.Second, 20*time.Millisecond)
	return ta.bridge.messages()
}

func TestWebhookToReplyWithoutPairing(t *testing.T) {
	ta := startApp(t, false)
	resp := ta.post(t, "/webhook/message", `{"sender_jid":"carol@s.whatsapp.net","content":"Hi there"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sent := ta.waitSent(t, 1)
	require.Equal(t, "Hello from the bot", sent[0]["message"])
	require.Nil(t, ta.contacts)
}

func TestEndToEndReply(t *testing.T) {
	ta := startApp(t, true)
	resp := ta.post(t, "/admin/contacts/alice@s.whatsapp.net/approve", "", map[string]string{"Authorization": "Bearer admintok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ta.post(t, "/webhook/message", `{"sender_jid":"alice@s.whatsapp.net","content":"Hello","sender_name":"Alice"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sent := ta.waitSent(t, 1)
	require.Equal(t, "alice@s.whatsapp.net", sent[0]["recipient"])
	require.Equal(t, "Hello from the bot", sent[0]["message"])

	require.Eventually(t, func() bool { return ta.sessions.Count() == 1 }, 2*time.Second, 20*time.Millisecond)
	md := ta.sessions.Sessions()[0]
	require.Eventually(t, func() bool {
		md = ta.sessions.Sessions()[0]
		return md.MessageCount == 2
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, "Alice", md.SenderName)
}

var codeRe = regexp.MustCompile(`pairing code: (\S+)`)

func TestUnknownSenderPairsThenReplies(t *testing.T) {
	ta := startApp(t, true)
	ctx := context.Background()

	resp := ta.post(t, "/webhook/message", `{"sender_jid":"bob@s.whatsapp.net","content":"hi","sender_name":"Bob"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sent := ta.waitSent(t, 1)
	m := codeRe.FindStringSubmatch(sent[0]["message"])
	require.Len(t, m, 2, sent[0]["message"])

	st, err := ta.contacts.CheckAccess(ctx, "bob@s.whatsapp.net")
	require.NoError(t, err)
	require.Equal(t, pairing.StatusPending, st)

	resp = ta.post(t, "/admin/contacts/approve-code", `{"code":"`+m[1]+`"}`, map[string]string{"Authorization": "Bearer admintok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ta.post(t, "/webhook/message", `{"sender_jid":"bob@s.whatsapp.net","content":"hi again"}`, nil)
	sent = ta.waitSent(t, 2)
	require.Equal(t, "Hello from the bot", sent[1]["message"])
}

func TestHealthEndpoint(t *testing.T) {
	ta := startApp(t, true)
	resp, err := http.Get("http://" + ta.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "ok", out["status"])
	require.Equal(t, "test-model", out["model"])
	require.Equal(t, true, out["pairing_enabled"])
}

func TestHotReloadUpdatesPolicyAndSecret(t *testing.T) {
	ta := startApp(t, true)
	require.True(t, ta.pipe.Policy().BlockGroups)

	raw, err := os.ReadFile(ta.cfgPath)
	require.NoError(t, err)
	updated := strings.Replace(string(raw), "  rate_limit: 0s\n", "  rate_limit: 0s\n  block_groups: false\n  webhook_secret: rotated\n  allowed_recipients: [\"x@y\"]\n", 1)
	require.NoError(t, os.WriteFile(ta.cfgPath, []byte(updated), 0o600))

	// The file watcher may get there first; either way the new config is published once.
	_, err = ta.cfgm.Reload()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := ta.pipe.Policy()
		return !p.BlockGroups && len(p.Allowed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	resp := ta.post(t, "/webhook/message", `{"sender_jid":"x@y","content":"hi"}`, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = ta.post(t, "/webhook/message", `{"sender_jid":"x@y","content":"hi"}`, map[string]string{"X-Webhook-Secret": "rotated"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bridge:\n  driver: carrier-pigeon\n"), 0o600))
	m := config.NewManager(path)
	m.SetEnvLookup(func(string) (string, bool) { return "", false })
	_, err := NewWithManager(m)
	require.Error(t, err)
}
