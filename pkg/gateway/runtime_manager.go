package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dingclaw/pkg/agent"
	agentprofile "dingclaw/pkg/agent/profile"
	"dingclaw/pkg/config"
	"dingclaw/pkg/logger"
	"dingclaw/pkg/provider"
	providertypes "dingclaw/pkg/provider/types"
)

// runtimeManager owns one agent session per DingTalk session key.
type runtimeManager struct {
	client provider.Client
	cfg    *config.Config
	log    *slog.Logger
	system string
	now    func() time.Time

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
}

// sessionRuntime is the state tracked for one session key. promptMu orders
// turns within the session and guards lastUsed.
type sessionRuntime struct {
	instance *agent.Instance
	promptMu sync.Mutex
	lastUsed time.Time
}

// newRuntimeManager builds a session runtime manager and resolves the system profile once.
func newRuntimeManager(cfg *config.Config, client provider.Client, log *slog.Logger) (*runtimeManager, error) {
	defaults := cfg.Agents.Defaults
	systemProfile, err := agentprofile.ResolveSystemProfile(provider.ID(cfg), defaults.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("resolve agent profile: %w", err)
	}

	return &runtimeManager{
		client:   client,
		cfg:      cfg,
		log:      logger.Component(log, "gateway.runtime_manager"),
		system:   systemProfile,
		now:      time.Now,
		runtimes: make(map[string]*sessionRuntime),
	}, nil
}

// Prompt routes one prompt to a session runtime and serializes requests per
// session. The provider session is created on the first prompt and retried
// on the next one if that fails.
func (m *runtimeManager) Prompt(ctx context.Context, sessionKey string, prompt string) (providertypes.PromptResult, error) {
	runtime := m.runtimeForSession(sessionKey)

	runtime.promptMu.Lock()
	defer runtime.promptMu.Unlock()
	runtime.lastUsed = m.now()

	if runtime.instance.SessionID() == "" {
		if err := runtime.instance.StartSession(ctx, "dingclaw:"+sessionKey); err != nil {
			return providertypes.PromptResult{}, fmt.Errorf("start session for %s: %w", sessionKey, err)
		}
		m.log.Info("Agent session started", "session_key", sessionKey, "session_id", runtime.instance.SessionID())
	}

	return runtime.instance.Prompt(ctx, prompt)
}

func (m *runtimeManager) runtimeForSession(sessionKey string) *sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()

	runtime, ok := m.runtimes[sessionKey]
	if !ok {
		defaults := m.cfg.Agents.Defaults
		runtime = &sessionRuntime{
			instance: agent.New(m.client, defaults.Model, defaults.Agent, m.system),
			lastUsed: m.now(),
		}
		m.runtimes[sessionKey] = runtime
	}
	return runtime
}

// EvictIdle drops sessions unused for longer than ttl. Sessions with a
// prompt in flight are kept.
func (m *runtimeManager) EvictIdle(ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for sessionKey, runtime := range m.runtimes {
		if !runtime.promptMu.TryLock() {
			continue
		}
		if runtime.lastUsed.Before(cutoff) {
			delete(m.runtimes, sessionKey)
			evicted++
		}
		runtime.promptMu.Unlock()
	}
	return evicted
}

func (m *runtimeManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

// Close drops tracked session runtimes.
func (m *runtimeManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.runtimes)
}
