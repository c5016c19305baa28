// Package chatllm implements the C1 ChatLLM provider adapter: local-runtime
// and openai-compatible-http variants share one HTTP client implementation
// (a self-hosted llama.cpp/mlx_lm server speaks the same chat-completions
// wire format as a hosted OpenAI-compatible endpoint), plus an
// anthropic-messages variant built on the Anthropic SDK and an
// openai-chat-completions variant built on the OpenAI SDK.
package chatllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
	"ragkb/internal/ratelimit"
)

// ChatLLM generates a single completion for prompt at the given temperature.
type ChatLLM interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
	// Probe reports whether the provider is reachable, for the connectivity
	// diagnostics endpoint.
	Probe(ctx context.Context) error
}

// New constructs the ChatLLM named by cfg.Variant.
func New(cfg config.ChatLLMConfig) ChatLLM {
	switch cfg.Variant {
	case "anthropic-messages":
		return newAnthropic(cfg)
	case "openai-chat-completions":
		return newOpenAI(cfg)
	default: // "local-runtime" and "openai-compatible-http" share a wire format
		return &httpChatLLM{cfg: cfg, client: http.DefaultClient, limiter: ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)}
	}
}

// --- local-runtime / openai-compatible-http --------------------------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type httpChatLLM struct {
	cfg     config.ChatLLMConfig
	client  *http.Client
	limiter *ratelimit.Limiter
}

func (c *httpChatLLM) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	if err := c.limiter.Allow("chat_llm"); err != nil {
		return "", err
	}
	reqBody, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
	})
	if err != nil {
		return "", kberr.Wrap(kberr.Validation, err, "encode chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", kberr.Wrap(kberr.ProviderUnavailable, err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", kberr.Wrap(kberr.ProviderUnavailable, err, "call chat provider")
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", kberr.Wrap(kberr.ProviderUnavailable, err, "read chat response")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", kberr.Newf(kberr.ProviderBusy, "chat provider busy: %s", resp.Status)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", kberr.Newf(kberr.ProviderUnavailable, "chat model not found: %s", c.cfg.Model)
	}
	if resp.StatusCode/100 != 2 {
		return "", kberr.Newf(kberr.ProviderBadResponse, "chat provider error %s: %s", resp.Status, string(b))
	}

	var cr chatResponse
	if err := json.Unmarshal(b, &cr); err != nil {
		return "", kberr.Wrap(kberr.ProviderBadResponse, err, fmt.Sprintf("parse chat response: %s", string(b)))
	}
	if len(cr.Choices) == 0 {
		return "", kberr.New(kberr.ProviderBadResponse, "chat provider returned no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

func (c *httpChatLLM) Probe(ctx context.Context) error {
	if _, err := c.Generate(ctx, "ping", 0); err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "chat provider reachability check failed")
	}
	return nil
}

// --- anthropic-messages ------------------------------------------------

const defaultMaxTokens = int64(1024)

type anthropicChatLLM struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
	limiter   *ratelimit.Limiter
}

func newAnthropic(cfg config.ChatLLMConfig) ChatLLM {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	return &anthropicChatLLM{sdk: anthropic.NewClient(opts...), model: model, maxTokens: maxTokens, limiter: limiter}
}

func (a *anthropicChatLLM) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	if err := a.limiter.Allow("chat_llm"); err != nil {
		return "", err
	}
	msg, err := a.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", kberr.Wrap(kberr.ProviderUnavailable, err, "call anthropic messages api")
	}
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	if out == "" {
		return "", kberr.New(kberr.ProviderBadResponse, "anthropic response contained no text block")
	}
	return out, nil
}

func (a *anthropicChatLLM) Probe(ctx context.Context) error {
	if _, err := a.Generate(ctx, "ping", 0); err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "anthropic reachability check failed")
	}
	return nil
}

// --- openai-chat-completions --------------------------------------------

type openAIChatLLM struct {
	sdk     openai.Client
	model   string
	limiter *ratelimit.Limiter
}

func newOpenAI(cfg config.ChatLLMConfig) ChatLLM {
	opts := []openaioption.RequestOption{openaioption.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	return &openAIChatLLM{sdk: openai.NewClient(opts...), model: model, limiter: limiter}
}

func (o *openAIChatLLM) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	if err := o.limiter.Allow("chat_llm"); err != nil {
		return "", err
	}
	comp, err := o.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.model),
		Temperature: openai.Float(temperature),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", kberr.Wrap(kberr.ProviderUnavailable, err, "call openai chat completions api")
	}
	if len(comp.Choices) == 0 {
		return "", kberr.New(kberr.ProviderBadResponse, "openai chat completions returned no choices")
	}
	content := comp.Choices[0].Message.Content
	if content == "" {
		return "", kberr.New(kberr.ProviderBadResponse, "openai chat completions returned empty content")
	}
	return content, nil
}

func (o *openAIChatLLM) Probe(ctx context.Context) error {
	if _, err := o.Generate(ctx, "ping", 0); err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "openai reachability check failed")
	}
	return nil
}
