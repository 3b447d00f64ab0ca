package reply

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

type fakeBackend struct {
	text  string
	err   error
	block bool
}

func (f fakeBackend) Generate(ctx context.Context, _ []session.Turn, _ string) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

func (f fakeBackend) Summarize(ctx context.Context, h []session.Turn) (string, error) {
	return f.Generate(ctx, h, "")
}

func TestGuardOutcomes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		backend fakeBackend
		kind    Kind
		text    string
	}{
		{"success", fakeBackend{text: "Hello!"}, KindSuccess, "Hello!"},
		{"timeout", fakeBackend{block: true}, KindTimeout, ApologyTimeout},
		{"rate limited", fakeBackend{err: ErrRateLimited}, KindBackendError, ApologyRateLimited},
		{"api error", fakeBackend{err: ErrAPI}, KindBackendError, ApologyAPI},
		{"unexpected", fakeBackend{err: errors.New("dns")}, KindBackendError, ApologyUnexpected},
		{"empty", fakeBackend{}, KindBackendError, ApologyUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := Guard{Backend: tc.backend, ReplyTimeout: 20 * time.Millisecond, Log: logx.Nop()}
			o := g.Reply(ctx, nil, "Alice")
			require.Equal(t, tc.kind, o.Kind)
			require.Equal(t, tc.text, o.Text)
		})
	}
}

func TestGuardSummaryFallback(t *testing.T) {
	g := Guard{Backend: fakeBackend{err: ErrAPI}}
	o := g.Summary(context.Background(), nil)
	require.False(t, o.OK())
	require.Equal(t, SummaryFallback, o.Text)

	g = Guard{Backend: fakeBackend{text: "they said hi"}}
	require.Equal(t, "they said hi", g.Summary(context.Background(), nil).Text)
}

func TestGuardWithoutBackend(t *testing.T) {
	o := Guard{}.Reply(context.Background(), nil, "")
	require.Equal(t, KindBackendError, o.Kind)
	require.Equal(t, ApologyUnexpected, o.Text)
}

func TestPersonaReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "PERSONA.md")
	p := NewPersona(path, logx.Nop())
	require.Equal(t, DefaultPersona, p.Text())

	require.NoError(t, os.WriteFile(path, []byte("  You are Bob.\n"), 0o600))
	require.Equal(t, "You are Bob.", p.Text())

	require.NoError(t, os.WriteFile(path, []byte("You are Carol."), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	require.Equal(t, "You are Carol.", p.Text())
}

func completionServer(t *testing.T, status int, body string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

const okCompletion = `{"id":"c1","object":"chat.completion","created":1,"model":"m",
"choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`

func newTestOpenAI(t *testing.T, url string) *OpenAI {
	t.Helper()
	o, err := NewOpenAI(OpenAIConfig{BaseURL: url + "/v1/", APIKey: "sk-test", Model: "m", Temperature: 0.7}, NewPersona("", logx.Nop()), logx.Nop())
	require.NoError(t, err)
	return o
}

func TestOpenAIGenerate(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := completionServer(t, http.StatusOK, okCompletion, &req)
	defer srv.Close()

	o := newTestOpenAI(t, srv.URL)
	got, err := o.Generate(context.Background(), []session.Turn{
		{Role: session.RoleUser, Content: "Hi"},
		{Role: session.RoleAssistant, Content: "Hey"},
		{Role: session.RoleUser, Content: "How are you?"},
	}, "Alice")
	require.NoError(t, err)
	require.Equal(t, "Hello!", got)

	require.Equal(t, "m", req.Model)
	require.Len(t, req.Messages, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, DefaultPersona)
	require.Contains(t, req.Messages[0].Content, "chatting with Alice on WhatsApp")
	require.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
	require.Equal(t, 1024, req.MaxTokens)
}

func TestOpenAISummarize(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := completionServer(t, http.StatusOK, okCompletion, &req)
	defer srv.Close()

	_, err := newTestOpenAI(t, srv.URL).Summarize(context.Background(), []session.Turn{{Role: session.RoleUser, Content: "Hi"}})
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	require.Contains(t, req.Messages[1].Content, "Conversation:\nuser: Hi")
	require.Equal(t, 2048, req.MaxTokens)
}

func TestOpenAIErrorsAreClassified(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit_error"}}`, nil)
	defer srv.Close()
	_, err := newTestOpenAI(t, srv.URL).Generate(context.Background(), nil, "")
	require.ErrorIs(t, err, ErrRateLimited)

	srv2 := completionServer(t, http.StatusInternalServerError, `{"error":{"message":"oops","type":"server_error"}}`, nil)
	defer srv2.Close()
	_, err = newTestOpenAI(t, srv2.URL).Generate(context.Background(), nil, "")
	require.ErrorIs(t, err, ErrAPI)

	srv3 := completionServer(t, http.StatusOK, `{"id":"c","choices":[]}`, nil)
	defer srv3.Close()
	_, err = newTestOpenAI(t, srv3.URL).Generate(context.Background(), nil, "")
	require.ErrorIs(t, err, ErrAPI)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{Model: "m"}, nil, logx.Nop())
	require.Error(t, err)
}
