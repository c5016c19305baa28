package chatllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
)

func TestHTTPChatLLM_GenerateReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "local-model", body.Model)
		assert.Equal(t, "user", body.Messages[0].Role)
		assert.Equal(t, "say hi", body.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{
			{Message: chatMessage{Role: "assistant", Content: "hello there"}},
		}})
	}))
	defer srv.Close()

	c := New(config.ChatLLMConfig{Variant: "openai-compatible-http", BaseURL: srv.URL, Model: "local-model"})
	out, err := c.Generate(context.Background(), "say hi", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
}

func TestHTTPChatLLM_TooManyRequestsReturnsProviderBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(config.ChatLLMConfig{Variant: "local-runtime", BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), "hi", 0)
	require.Error(t, err)
	assert.Equal(t, kberr.ProviderBusy, kberr.KindOf(err))
}

func TestHTTPChatLLM_ModelNotFoundReturnsProviderUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(config.ChatLLMConfig{Variant: "local-runtime", BaseURL: srv.URL, Model: "missing-model"})
	_, err := c.Generate(context.Background(), "hi", 0)
	require.Error(t, err)
	assert.Equal(t, kberr.ProviderUnavailable, kberr.KindOf(err))
}

func TestHTTPChatLLM_NoChoicesReturnsProviderBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	c := New(config.ChatLLMConfig{Variant: "local-runtime", BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), "hi", 0)
	require.Error(t, err)
	assert.Equal(t, kberr.ProviderBadResponse, kberr.KindOf(err))
}

func TestHTTPChatLLM_RateLimitExhaustedReturnsProviderBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{Message: chatMessage{Content: "ok"}}}})
	}))
	defer srv.Close()

	c := New(config.ChatLLMConfig{
		Variant:   "local-runtime",
		BaseURL:   srv.URL,
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
	})

	_, err := c.Generate(context.Background(), "hi", 0)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "hi", 0)
	require.Error(t, err)
	assert.Equal(t, kberr.ProviderBusy, kberr.KindOf(err))
}

func TestHTTPChatLLM_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{Choices: []chatChoice{{Message: chatMessage{Content: "pong"}}}})
	}))
	defer srv.Close()

	c := New(config.ChatLLMConfig{Variant: "local-runtime", BaseURL: srv.URL})
	assert.NoError(t, c.Probe(context.Background()))
}
