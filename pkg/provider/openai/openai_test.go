package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dingclaw/pkg/config"
	providertypes "dingclaw/pkg/provider/types"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := New(&config.Config{})
	require.Error(t, err)
}

func TestNewUsesConfiguredAPIKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("TEST_OPENAI_API_KEY", "sk-test")

	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKeyEnv = "TEST_OPENAI_API_KEY"

	client, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestNewFallsBackToDefaultAPIKeyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-default")
	t.Setenv("TEST_OPENAI_API_KEY", "")

	cfg := &config.Config{}
	cfg.Providers.OpenAI.APIKeyEnv = "TEST_OPENAI_API_KEY"

	client, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestPromptValidatesRequest(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	client, err := New(&config.Config{})
	require.NoError(t, err)

	_, err = client.Prompt(context.Background(), providertypes.PromptRequest{Text: "hi", Model: "gpt-5.2"})
	require.ErrorContains(t, err, "session id")

	_, err = client.Prompt(context.Background(), providertypes.PromptRequest{SessionID: "conv_1", Text: "  ", Model: "gpt-5.2"})
	require.ErrorContains(t, err, "prompt is required")

	_, err = client.Prompt(context.Background(), providertypes.PromptRequest{SessionID: "conv_1", Text: "hi", Model: "anthropic/claude"})
	require.ErrorContains(t, err, "not supported")
}

func TestPromptReturnsTextAndUsage(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/responses"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "resp_1",
			"object": "response",
			"model": "gpt-5.2",
			"status": "completed",
			"output": [{
				"type": "message",
				"id": "msg_1",
				"role": "assistant",
				"status": "completed",
				"content": [{"type": "output_text", "text": " hello there ", "annotations": []}]
			}],
			"usage": {
				"input_tokens": 10,
				"output_tokens": 5,
				"total_tokens": 15,
				"input_tokens_details": {"cached_tokens": 2},
				"output_tokens_details": {"reasoning_tokens": 1}
			}
		}`)
	}))
	defer server.Close()

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := &config.Config{}
	cfg.Providers.OpenAI.BaseURL = server.URL + "/v1/"
	client, err := New(cfg)
	require.NoError(t, err)

	result, err := client.Prompt(context.Background(), providertypes.PromptRequest{
		SessionID: "conv_1",
		Text:      "hi",
		Model:     "openai/gpt-5.2",
	})
	require.NoError(t, err)
	require.Equal(t, "hello there", result.Text)
	require.Equal(t, "openai", result.Metadata.Provider)
	require.Equal(t, "gpt-5.2", result.Metadata.Model)
	require.Equal(t, &providertypes.TokenUsage{
		InputTokens:     10,
		OutputTokens:    5,
		TotalTokens:     15,
		ReasoningTokens: 1,
		CacheReadTokens: 2,
	}, result.Metadata.Usage)

	require.Equal(t, "gpt-5.2", got["model"])
	require.Equal(t, "hi", got["input"])
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5.2", want: "gpt-5.2"},
		{name: "openai prefix", input: "openai/gpt-5.2", want: "gpt-5.2"},
		{name: "other provider", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeModel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
