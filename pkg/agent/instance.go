// Package agent holds one provider conversation on behalf of a DingTalk session.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"dingclaw/pkg/provider"
	providertypes "dingclaw/pkg/provider/types"
)

// Instance is a single provider session. Prompts are not serialized here;
// callers that share an Instance must order their own calls.
type Instance struct {
	client provider.Client
	model  string
	agent  string
	system string
	memory *Memory

	mu        sync.RWMutex
	sessionID string
	primed    bool
}

func New(client provider.Client, model, agentName, systemPrompt string) *Instance {
	return &Instance{
		client: client,
		model:  strings.TrimSpace(model),
		agent:  strings.TrimSpace(agentName),
		system: strings.TrimSpace(systemPrompt),
		memory: NewMemory(DefaultMemoryLimit),
	}
}

func (i *Instance) StartSession(ctx context.Context, title string) error {
	if err := i.client.Health(ctx); err != nil {
		return err
	}

	sessionID, err := i.client.CreateSession(ctx, title)
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.sessionID = sessionID
	i.primed = false
	i.mu.Unlock()

	return nil
}

// Prompt sends one user turn. The system prompt rides along with the first
// successful turn of each session.
func (i *Instance) Prompt(ctx context.Context, prompt string) (providertypes.PromptResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return providertypes.PromptResult{}, errors.New("prompt cannot be empty")
	}

	i.mu.RLock()
	sessionID, primed := i.sessionID, i.primed
	i.mu.RUnlock()
	if sessionID == "" {
		return providertypes.PromptResult{}, errors.New("session is not started")
	}

	text := prompt
	if i.system != "" && !primed {
		text = i.system + "\n\n" + prompt
	}

	result, err := i.client.Prompt(ctx, providertypes.PromptRequest{
		SessionID: sessionID,
		Text:      text,
		Model:     i.model,
		Agent:     i.agent,
	})
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	i.mu.Lock()
	if i.sessionID == sessionID {
		i.primed = true
	}
	i.mu.Unlock()

	i.memory.Append("user", prompt)
	i.memory.Append("assistant", result.Text)

	return result, nil
}

func (i *Instance) SessionID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.sessionID
}

func (i *Instance) MemorySnapshot() []MemoryEntry {
	return i.memory.List()
}
