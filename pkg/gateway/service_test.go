package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dingclaw/pkg/bus"
	"dingclaw/pkg/channel"
	providertypes "dingclaw/pkg/provider/types"
)

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channel.Status{"dingtalk": {Running: true}}}
	require.False(t, svc.isReady(), "not ready without provider health")

	svc.health = providerHealth{lastOK: time.Now().UTC()}
	require.True(t, svc.isReady())

	svc.health.lastErr = "boom"
	require.False(t, svc.isReady())

	svc.health.lastErr = ""
	svc.channelStates["dingtalk"] = channel.Status{Running: false, LastError: "closed"}
	require.False(t, svc.isReady(), "not ready without a running channel")
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	dm := bus.Envelope{ChatType: bus.ChatDirect, SenderName: "Ann", BodyText: " hello "}
	require.Equal(t, "hello", buildPrompt(dm))

	group := bus.Envelope{ChatType: bus.ChatGroup, SenderName: "Ann", BodyText: "hello"}
	require.Equal(t, "Ann: hello", buildPrompt(group))

	withMedia := bus.Envelope{ChatType: bus.ChatDirect, BodyText: "[picture]", MediaPath: "/tmp/a.png", MediaType: "image/png"}
	require.Equal(t, "[picture]\n[attachment: /tmp/a.png (image/png)]", buildPrompt(withMedia))

	mediaOnly := bus.Envelope{ChatType: bus.ChatGroup, SenderName: "Ann", MediaPath: "/tmp/a.bin"}
	require.Equal(t, "[attachment: /tmp/a.bin]", buildPrompt(mediaOnly))

	require.Empty(t, buildPrompt(bus.Envelope{BodyText: "  "}))
}

func TestUsagePayload(t *testing.T) {
	t.Parallel()

	payload := usagePayload(providertypes.PromptResult{
		Metadata: providertypes.PromptMetadata{
			Provider: "openai",
			Model:    "gpt-5.2",
			Usage: &providertypes.TokenUsage{
				InputTokens:     10,
				OutputTokens:    11,
				TotalTokens:     21,
				ReasoningTokens: 5,
				CacheReadTokens: 2,
			},
		},
	})

	require.Equal(t, "openai", payload["provider"])
	require.Equal(t, "10", payload["usage_input_tokens"])
	require.Equal(t, "21", payload["usage_total_tokens"])
	require.Equal(t, "2", payload["usage_cache_read_tokens"])

	require.Empty(t, usagePayload(providertypes.PromptResult{}))
}

type statusAdapter struct {
	fn channel.StatusFunc
}

func (a *statusAdapter) Name() string { return "dingtalk" }

func (a *statusAdapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return nil
}

func (a *statusAdapter) SetStatusFunc(fn channel.StatusFunc) { a.fn = fn }

func TestNewServiceWiresChannelStatus(t *testing.T) {
	t.Parallel()

	adapter := &statusAdapter{}
	svc, err := NewService(testConfig(), []channel.Adapter{adapter}, nil, WithProvider(&fakeProviderClient{}))
	require.NoError(t, err)
	require.NotNil(t, adapter.fn)

	inbound := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	adapter.fn(channel.StatusUpdate{LastInboundAt: inbound, LastError: "reconnecting"})

	status := svc.currentStatus("ok")
	require.Equal(t, inbound, status.Channels["dingtalk"].LastInboundAt)
	require.Equal(t, "reconnecting", status.Channels["dingtalk"].LastError)
	require.Equal(t, "openai", status.Provider.Name)
	require.False(t, status.Provider.Healthy)

	require.NoError(t, svc.checkProviderHealth(context.Background()))
	status = svc.currentStatus("ok")
	require.True(t, status.Provider.Healthy)
	require.NotEmpty(t, status.Provider.LastOKAt)
}

func TestNewServiceRequiresAdapters(t *testing.T) {
	t.Parallel()

	_, err := NewService(testConfig(), nil, nil, WithProvider(&fakeProviderClient{}))
	require.Error(t, err)

	_, err = NewService(nil, []channel.Adapter{&statusAdapter{}}, nil)
	require.Error(t, err)
}

type failingPromptClient struct{ fakeProviderClient }

func (f *failingPromptClient) Prompt(context.Context, providertypes.PromptRequest) (providertypes.PromptResult, error) {
	return providertypes.PromptResult{}, errors.New("prompt exploded")
}

func TestHandleInboundPublishesPromptEvents(t *testing.T) {
	t.Parallel()

	messageBus := bus.New()
	defer messageBus.Close()
	events, unsubscribe := messageBus.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	svc, err := NewService(testConfig(), []channel.Adapter{&statusAdapter{}}, nil,
		WithProvider(&fakeProviderClient{}), WithBus(messageBus))
	require.NoError(t, err)

	var delivered []string
	deliver := func(_ context.Context, text string) { delivered = append(delivered, text) }
	env := bus.Envelope{Channel: "dingtalk", SessionKey: "dingtalk:default:dm:c1", ChatType: bus.ChatDirect, BodyText: "hi"}

	require.NoError(t, svc.handleInbound(context.Background(), env, deliver))
	require.Equal(t, []string{"ok:sys\n\nhi"}, delivered)

	event := <-events
	require.Equal(t, bus.EventPromptCompleted, event.Type)
	require.Equal(t, "dingtalk:default:dm:c1", event.SessionKey)
	require.Contains(t, event.Payload, "duration_ms")
}

func TestHandleInboundPromptFailureSkipsDelivery(t *testing.T) {
	t.Parallel()

	messageBus := bus.New()
	defer messageBus.Close()
	events, unsubscribe := messageBus.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	svc, err := NewService(testConfig(), []channel.Adapter{&statusAdapter{}}, nil,
		WithProvider(&failingPromptClient{}), WithBus(messageBus))
	require.NoError(t, err)

	called := false
	err = svc.handleInbound(context.Background(), bus.Envelope{SessionKey: "k", BodyText: "hi"}, func(context.Context, string) { called = true })
	require.ErrorContains(t, err, "prompt exploded")
	require.False(t, called)

	event := <-events
	require.Equal(t, bus.EventPromptFailed, event.Type)
	require.Contains(t, event.Error, "prompt exploded")
}
