// Package provider selects the model backend that answers inbound DingTalk messages.
package provider

import (
	"context"
	"fmt"
	"strings"

	"dingclaw/pkg/config"
	"dingclaw/pkg/logger"
	provideropenai "dingclaw/pkg/provider/openai"
	"dingclaw/pkg/provider/opencode"
	providertypes "dingclaw/pkg/provider/types"
)

// Client is a conversational backend with server-side sessions.
type Client interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, req providertypes.PromptRequest) (providertypes.PromptResult, error)
}

// ID returns the configured provider name, defaulting to openai.
func ID(cfg *config.Config) string {
	providerID := strings.ToLower(strings.TrimSpace(cfg.Agents.Defaults.Provider))
	if providerID == "" {
		return "openai"
	}
	return providerID
}

func New(cfg *config.Config) (Client, error) {
	providerID := ID(cfg)
	logger.Component(nil, "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "opencode":
		return opencode.New(cfg)
	case "openai":
		return provideropenai.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
