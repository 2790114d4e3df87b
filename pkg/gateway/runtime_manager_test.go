package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dingclaw/pkg/config"
	providertypes "dingclaw/pkg/provider/types"
)

type fakeProviderClient struct {
	mu                 sync.Mutex
	createSessionCount int
	createErr          error
	promptCount        int
	prompts            []string
}

func (f *fakeProviderClient) Health(context.Context) error {
	return nil
}

func (f *fakeProviderClient) CreateSession(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createSessionCount++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "session-id", nil
}

func (f *fakeProviderClient) Prompt(_ context.Context, req providertypes.PromptRequest) (providertypes.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptCount++
	f.prompts = append(f.prompts, req.Text)
	return providertypes.PromptResult{Text: "ok:" + req.Text}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Agents: config.AgentsConfig{Defaults: config.AgentDefaults{
			Provider:     "openai",
			Model:        "openai/gpt-5-nano",
			SystemPrompt: "sys",
		}},
	}
}

func TestRuntimeManagerReusesSessionRuntime(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{}
	manager, err := newRuntimeManager(testConfig(), fakeClient, nil)
	if err != nil {
		t.Fatalf("newRuntimeManager error: %v", err)
	}
	t.Cleanup(manager.Close)

	if _, err := manager.Prompt(context.Background(), "dingtalk:default:dm:c1", "one"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if _, err := manager.Prompt(context.Background(), "dingtalk:default:dm:c1", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}

	fakeClient.mu.Lock()
	defer fakeClient.mu.Unlock()
	if fakeClient.createSessionCount != 1 {
		t.Fatalf("createSessionCount = %d, want 1", fakeClient.createSessionCount)
	}
	if fakeClient.promptCount != 2 {
		t.Fatalf("promptCount = %d, want 2", fakeClient.promptCount)
	}
	if fakeClient.prompts[0] != "sys\n\none" || fakeClient.prompts[1] != "two" {
		t.Fatalf("prompts = %q", fakeClient.prompts)
	}
}

func TestRuntimeManagerCreatesSessionPerSessionKey(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{}
	manager, err := newRuntimeManager(testConfig(), fakeClient, nil)
	if err != nil {
		t.Fatalf("newRuntimeManager error: %v", err)
	}
	t.Cleanup(manager.Close)

	if _, err := manager.Prompt(context.Background(), "dingtalk:default:dm:c1", "one"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if _, err := manager.Prompt(context.Background(), "dingtalk:default:group:c2", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}

	fakeClient.mu.Lock()
	defer fakeClient.mu.Unlock()
	if fakeClient.createSessionCount != 2 {
		t.Fatalf("createSessionCount = %d, want 2", fakeClient.createSessionCount)
	}
}

func TestRuntimeManagerRetriesFailedSessionStart(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{createErr: errors.New("no sessions today")}
	manager, err := newRuntimeManager(testConfig(), fakeClient, nil)
	if err != nil {
		t.Fatalf("newRuntimeManager error: %v", err)
	}

	if _, err := manager.Prompt(context.Background(), "k", "one"); err == nil {
		t.Fatal("expected start session error")
	}

	fakeClient.mu.Lock()
	fakeClient.createErr = nil
	fakeClient.mu.Unlock()

	if _, err := manager.Prompt(context.Background(), "k", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if fakeClient.createSessionCount != 2 {
		t.Fatalf("createSessionCount = %d, want 2", fakeClient.createSessionCount)
	}
}

func TestRuntimeManagerEvictsIdleSessions(t *testing.T) {
	t.Parallel()

	manager, err := newRuntimeManager(testConfig(), &fakeProviderClient{}, nil)
	if err != nil {
		t.Fatalf("newRuntimeManager error: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	if _, err := manager.Prompt(context.Background(), "old", "one"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := manager.Prompt(context.Background(), "fresh", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}

	if got := manager.EvictIdle(time.Hour); got != 1 {
		t.Fatalf("evicted = %d, want 1", got)
	}
	if got := manager.Len(); got != 1 {
		t.Fatalf("remaining = %d, want 1", got)
	}
}

func TestRuntimeManagerSerializesPromptsPerSession(t *testing.T) {
	t.Parallel()

	client := &blockingProviderClient{release: make(chan struct{}), entered: make(chan struct{}, 4)}
	manager, err := newRuntimeManager(testConfig(), client, nil)
	if err != nil {
		t.Fatalf("newRuntimeManager error: %v", err)
	}

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = manager.Prompt(context.Background(), "same", "hi")
		}()
	}

	<-client.entered
	select {
	case <-client.entered:
		t.Fatal("second prompt entered the provider while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(client.release)
	wg.Wait()
	if client.maxActive != 1 {
		t.Fatalf("max concurrent prompts = %d, want 1", client.maxActive)
	}
}

type blockingProviderClient struct {
	release chan struct{}
	entered chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
}

func (b *blockingProviderClient) Health(context.Context) error { return nil }

func (b *blockingProviderClient) CreateSession(context.Context, string) (string, error) {
	return "s", nil
}

func (b *blockingProviderClient) Prompt(context.Context, providertypes.PromptRequest) (providertypes.PromptResult, error) {
	b.mu.Lock()
	b.active++
	b.maxActive = max(b.maxActive, b.active)
	b.mu.Unlock()

	b.entered <- struct{}{}
	<-b.release

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return providertypes.PromptResult{Text: "ok"}, nil
}
