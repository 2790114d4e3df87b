// Package opencode talks to an OpenCode server, one OpenCode session per
// DingTalk conversation.
package opencode

import (
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"dingclaw/pkg/config"
	"dingclaw/pkg/logger"
	providertypes "dingclaw/pkg/provider/types"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
)

const defaultUsername = "opencode"

type Client struct {
	sdk     *sdk.Client
	timeout time.Duration
	log     *slog.Logger
}

func New(cfg *config.Config) (*Client, error) {
	oc := cfg.Providers.OpenCode
	baseURL := strings.TrimSpace(oc.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if header, ok := buildBasicAuthHeader(oc); ok {
		opts = append(opts, option.WithHeader("Authorization", header))
	}

	return &Client{
		sdk:     sdk.NewClient(opts...),
		timeout: time.Duration(oc.RequestTimeoutSeconds) * time.Second,
		log:     logger.Component(nil, "provider.opencode"),
	}, nil
}

// Health queries /global/health; the SDK has no typed method for it.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	call := providertypes.StartCall(c.log, "health")

	var status struct {
		Healthy bool   `json:"healthy"`
		Version string `json:"version"`
	}
	if err := c.sdk.Get(ctx, "/global/health", nil, &status); err != nil {
		return call.Fail(fmt.Errorf("health check failed: %w", err))
	}
	if !status.Healthy {
		return call.Fail(errors.New("opencode server reported unhealthy status"))
	}
	call.Done("version", status.Version)
	return nil
}

// CreateSession opens an OpenCode session titled after the conversation.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	title = strings.TrimSpace(title)
	call := providertypes.StartCall(c.log, "create_session", "title", title)

	params := sdk.SessionNewParams{}
	if title != "" {
		params.Title = sdk.F(title)
	}
	session, err := c.sdk.Session.New(ctx, params)
	if err != nil {
		return "", call.Fail(fmt.Errorf("create session failed: %w", err))
	}
	if session.ID == "" {
		return "", call.Fail(errors.New("create session returned empty session id"))
	}
	call.Done("session_id", session.ID)
	return session.ID, nil
}

func (c *Client) Prompt(ctx context.Context, req providertypes.PromptRequest) (providertypes.PromptResult, error) {
	req, err := req.Normalize()
	if err != nil {
		return providertypes.PromptResult{}, err
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	call := providertypes.StartCall(c.log, "prompt",
		"session_id", req.SessionID,
		"model", req.Model,
		"agent", req.Agent,
		"prompt_length", len(req.Text),
	)

	response, err := c.sdk.Session.Prompt(ctx, req.SessionID, promptParams(req))
	if err != nil {
		return providertypes.PromptResult{}, call.Fail(fmt.Errorf("prompt failed: %w", err))
	}

	text := extractText(response.Parts)
	if text == "" {
		return providertypes.PromptResult{}, call.Fail(errors.New("prompt succeeded but returned no text parts"))
	}
	call.Done("response_length", len(text), "parts_count", len(response.Parts))

	tokens := response.Info.Tokens
	in, out := tokenCount(tokens.Input), tokenCount(tokens.Output)
	return providertypes.PromptResult{
		Text: text,
		Metadata: providertypes.PromptMetadata{
			Provider: strings.TrimSpace(response.Info.ProviderID),
			Model:    strings.TrimSpace(response.Info.ModelID),
			Agent:    req.Agent,
			Usage: providertypes.UsageOrNil(providertypes.TokenUsage{
				InputTokens:     in,
				OutputTokens:    out,
				TotalTokens:     in + out,
				ReasoningTokens: tokenCount(tokens.Reasoning),
				CacheReadTokens: tokenCount(tokens.Cache.Read),
			}),
		},
	}, nil
}

func promptParams(req providertypes.PromptRequest) sdk.SessionPromptParams {
	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(req.Text),
			},
		}),
	}
	if req.Agent != "" {
		params.Agent = sdk.F(req.Agent)
	}
	if providerID, modelID, ok := parseModelRef(req.Model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}
	return params
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func buildBasicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	envName := strings.TrimSpace(cfg.PasswordEnv)
	if envName == "" {
		return "", false
	}
	password := strings.TrimSpace(os.Getenv(envName))
	if password == "" {
		return "", false
	}
	username := cmp.Or(strings.TrimSpace(cfg.Username), defaultUsername)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password)), true
}

// parseModelRef splits "provider/model". Both halves must be non-empty.
func parseModelRef(input string) (providerID, modelID string, ok bool) {
	providerID, modelID, found := strings.Cut(strings.TrimSpace(input), "/")
	providerID, modelID = strings.TrimSpace(providerID), strings.TrimSpace(modelID)
	if !found || providerID == "" || modelID == "" {
		return "", "", false
	}
	return providerID, modelID, true
}

// extractText joins the non-empty text parts, skipping reasoning and tool parts.
func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type != sdk.PartTypeText {
			continue
		}
		if text := strings.TrimSpace(part.Text); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, "\n")
}

// tokenCount rounds the float counters OpenCode reports.
func tokenCount(value float64) int64 {
	if value <= 0 {
		return 0
	}
	return int64(math.Round(value))
}
