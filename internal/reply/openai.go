package reply

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	// SummaryMaxTokens caps compaction summaries. Default 2048.
	SummaryMaxTokens int
	Temperature      float32
	Timeout          time.Duration
	// Platform names the chat app in the system prompt.
	Platform string
}

// OpenAI generates replies through any OpenAI-compatible chat completions API.
type OpenAI struct {
	client  *openai.Client
	cfg     OpenAIConfig
	persona *Persona
	log     logx.Logger
}

func NewOpenAI(cfg OpenAIConfig, persona *Persona, log logx.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 2048
	}
	if cfg.Platform == "" {
		cfg.Platform = "WhatsApp"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}
	config.HTTPClient = httpClient

	return &OpenAI{
		client:  openai.NewClientWithConfig(config),
		cfg:     cfg,
		persona: persona,
		log:     log,
	}, nil
}

func (o *OpenAI) Model() string { return o.cfg.Model }

func (o *OpenAI) systemPrompt(senderName string) string {
	var b strings.Builder
	b.WriteString(o.persona.Text())
	if name := strings.TrimSpace(senderName); name != "" {
		fmt.Fprintf(&b, "\n\nYou are currently chatting with %s on %s.", name, o.cfg.Platform)
	}
	fmt.Fprintf(&b, "\n\nKeep responses conversational and concise, this is %s and not email. "+
		"Avoid markdown formatting (no **, ##, etc.) since %s doesn't render it well.", o.cfg.Platform, o.cfg.Platform)
	return b.String()
}

func (o *OpenAI) Generate(ctx context.Context, history []session.Turn, senderName string) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt(senderName)})
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    msgs,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return "", classify(err)
	}
	text, err := firstChoice(resp)
	if err != nil {
		return "", err
	}
	o.log.Info("reply generated",
		logx.String("model", o.cfg.Model),
		logx.Int("input_tokens", resp.Usage.PromptTokens),
		logx.Int("output_tokens", resp.Usage.CompletionTokens))
	return text, nil
}

const summaryInstruction = "Summarize the following conversation concisely. " +
	"Capture the key topics discussed, any decisions made, important facts shared, and the overall tone. " +
	"This summary will be used as context for continuing the conversation later.\n\nConversation:\n"

func (o *OpenAI) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	var b strings.Builder
	b.WriteString(summaryInstruction)
	for i, t := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, t.Content)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a conversation summarizer. Be concise and factual."},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		MaxTokens:   o.cfg.SummaryMaxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return "", classify(err)
	}
	text, err := firstChoice(resp)
	if err != nil {
		return "", err
	}
	o.log.Info("compaction summary generated", logx.Int("input_messages", len(history)), logx.Int("summary_length", len(text)))
	return text, nil
}

func firstChoice(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in completion", ErrAPI)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrAPI)
	}
	return text, nil
}

// classify maps SDK errors onto ErrRateLimited / ErrAPI. Transport errors and
// context errors pass through unchanged.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return fmt.Errorf("%w: %v", ErrAPI, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return fmt.Errorf("%w: %v", ErrAPI, err)
	}
	return err
}
