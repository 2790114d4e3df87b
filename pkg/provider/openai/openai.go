// Package openai backs each DingTalk conversation with an OpenAI
// conversation object and answers through the Responses API.
package openai

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dingclaw/pkg/config"
	"dingclaw/pkg/logger"
	providertypes "dingclaw/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const (
	providerName  = "openai"
	defaultKeyEnv = "OPENAI_API_KEY"
)

type Client struct {
	sdk     osdk.Client
	timeout time.Duration
	log     *slog.Logger
}

func New(cfg *config.Config) (*Client, error) {
	oc := cfg.Providers.OpenAI
	apiKey := resolveAPIKey(oc)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, setting := range []struct {
		value string
		apply func(string) option.RequestOption
	}{
		{oc.BaseURL, option.WithBaseURL},
		{oc.Organization, option.WithOrganization},
		{oc.Project, option.WithProject},
	} {
		if value := strings.TrimSpace(setting.value); value != "" {
			opts = append(opts, setting.apply(value))
		}
	}

	timeout := time.Duration(oc.RequestTimeoutSeconds) * time.Second
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	return &Client{
		sdk:     osdk.NewClient(opts...),
		timeout: timeout,
		log:     logger.Component(nil, "provider.openai"),
	}, nil
}

// Health lists models, which fails fast on a bad key or unreachable endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	call := providertypes.StartCall(c.log, "health")

	if _, err := c.sdk.Models.List(ctx); err != nil {
		return call.Fail(fmt.Errorf("health check failed: %w", err))
	}
	call.Done()
	return nil
}

// CreateSession opens a server-side conversation; the title is not sent.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	call := providertypes.StartCall(c.log, "create_session", "title", strings.TrimSpace(title))

	conv, err := c.sdk.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		return "", call.Fail(fmt.Errorf("create session failed: %w", err))
	}
	var id string
	if conv != nil {
		id = strings.TrimSpace(conv.ID)
	}
	if id == "" {
		return "", call.Fail(errors.New("create session returned empty conversation id"))
	}
	call.Done("session_id", id)
	return id, nil
}

func (c *Client) Prompt(ctx context.Context, req providertypes.PromptRequest) (providertypes.PromptResult, error) {
	req, err := req.Normalize()
	if err != nil {
		return providertypes.PromptResult{}, err
	}
	model, err := normalizeModel(req.Model)
	if err != nil {
		return providertypes.PromptResult{}, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	call := providertypes.StartCall(c.log, "prompt",
		"session_id", req.SessionID,
		"model", model,
		"prompt_length", len(req.Text),
	)

	resp, err := c.sdk.Responses.New(ctx, responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(req.Text)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: req.SessionID},
		},
	})
	if err != nil {
		return providertypes.PromptResult{}, call.Fail(fmt.Errorf("prompt failed: %w", err))
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return providertypes.PromptResult{}, call.Fail(errors.New("prompt succeeded but returned no text"))
	}
	call.Done("response_length", len(text))

	usage := resp.Usage
	return providertypes.PromptResult{
		Text: text,
		Metadata: providertypes.PromptMetadata{
			Provider: providerName,
			Model:    cmp.Or(strings.TrimSpace(string(resp.Model)), model),
			Usage: providertypes.UsageOrNil(providertypes.TokenUsage{
				InputTokens:     usage.InputTokens,
				OutputTokens:    usage.OutputTokens,
				TotalTokens:     usage.TotalTokens,
				ReasoningTokens: usage.OutputTokensDetails.ReasoningTokens,
				CacheReadTokens: usage.InputTokensDetails.CachedTokens,
			}),
		},
	}, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// resolveAPIKey prefers the configured env var and falls back to OPENAI_API_KEY.
func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	for _, name := range []string{strings.TrimSpace(cfg.APIKeyEnv), defaultKeyEnv} {
		if name == "" {
			continue
		}
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return ""
}

// normalizeModel accepts "gpt-x" or "openai/gpt-x" and rejects other providers.
func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}
	prefix, id, found := strings.Cut(model, "/")
	if !found {
		return model, nil
	}
	prefix, id = strings.TrimSpace(prefix), strings.TrimSpace(id)
	if prefix == "" || id == "" {
		return "", errors.New("model is invalid")
	}
	if prefix != providerName {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", prefix)
	}
	return id, nil
}
