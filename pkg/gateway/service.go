// Package gateway runs channel adapters, answers their envelopes through the
// configured provider and serves the status endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"dingclaw/pkg/bus"
	"dingclaw/pkg/channel"
	"dingclaw/pkg/config"
	"dingclaw/pkg/logger"
	"dingclaw/pkg/provider"
)

const (
	providerHealthInterval = 30 * time.Second
	sessionSweepInterval   = 10 * time.Minute
	sessionIdleTTL         = 24 * time.Hour
)

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	provider provider.Client
	manager  *runtimeManager
	channels []channel.Adapter
	bus      *bus.Bus

	mu            sync.RWMutex
	startedAt     time.Time
	health        providerHealth
	channelStates map[string]channel.Status
}

type Option func(*Service)

// WithProvider replaces the provider built from config.
func WithProvider(client provider.Client) Option {
	return func(s *Service) { s.provider = client }
}

// WithBus logs lifecycle events published on b while the service runs.
func WithBus(b *bus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

func NewService(cfg *config.Config, adapters []channel.Adapter, log *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}

	s := &Service{
		cfg:           cfg,
		log:           logger.Component(log, "gateway.service"),
		channels:      adapters,
		channelStates: make(map[string]channel.Status, len(adapters)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.provider == nil {
		client, err := provider.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("initialize provider: %w", err)
		}
		s.provider = client
	}

	manager, err := newRuntimeManager(cfg, s.provider, log)
	if err != nil {
		return nil, err
	}
	s.manager = manager

	for _, adapter := range adapters {
		name := adapter.Name()
		s.channelStates[name] = channel.Status{}
		if reporter, ok := adapter.(channel.StatusReporter); ok {
			reporter.SetStatusFunc(func(update channel.StatusUpdate) {
				s.applyChannelStatus(name, update)
			})
		}
	}

	return s, nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	if s.bus != nil {
		go observeEvents(ctx, s.bus, logger.Component(s.log, "bus.events"))
	}

	// Reporters mark themselves running once connected; others count as
	// running from the start.
	running := true
	for _, adapter := range s.channels {
		if _, ok := adapter.(channel.StatusReporter); !ok {
			s.applyChannelStatus(adapter.Name(), channel.StatusUpdate{Running: &running, LastStartAt: time.Now().UTC()})
		}
	}

	serverErrors := make(chan error, 1)
	go s.serveStatus(ctx, serverErrors)
	go s.runMaintenance(ctx)

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		go func() {
			err := adapter.Run(ctx, s.handleInbound)
			stopped := false
			s.applyChannelStatus(adapter.Name(), channel.StatusUpdate{
				Running:    &stopped,
				LastStopAt: time.Now().UTC(),
				LastError:  errorString(err),
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	defer s.manager.Close()
	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	healthTicker := time.NewTicker(providerHealthInterval)
	defer healthTicker.Stop()
	sweepTicker := time.NewTicker(sessionSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			if err := s.checkProviderHealth(ctx); err != nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		case <-sweepTicker.C:
			if n := s.manager.EvictIdle(sessionIdleTTL); n > 0 {
				s.log.Info("Evicted idle agent sessions", "count", n, "remaining", s.manager.Len())
			}
		}
	}
}

// handleInbound is the channel.Handler answering one envelope.
func (s *Service) handleInbound(ctx context.Context, env bus.Envelope, deliver channel.DeliverFunc) error {
	prompt := buildPrompt(env)
	if prompt == "" {
		return nil
	}

	startedAt := time.Now()
	result, err := s.manager.Prompt(ctx, env.SessionKey, prompt)
	if err != nil {
		s.publish(ctx, env, bus.Event{Type: bus.EventPromptFailed, Error: err.Error()})
		return fmt.Errorf("prompt %s: %w", env.SessionKey, err)
	}

	payload := usagePayload(result)
	payload["duration_ms"] = strconv.FormatInt(time.Since(startedAt).Milliseconds(), 10)
	s.publish(ctx, env, bus.Event{Type: bus.EventPromptCompleted, Payload: payload})

	deliver(ctx, result.Text)
	return nil
}

// buildPrompt renders an envelope as provider input. Group turns carry the
// sender's name and a downloaded file is announced on its own line.
func buildPrompt(env bus.Envelope) string {
	body := strings.TrimSpace(env.BodyText)
	if body != "" && env.IsGroup() && strings.TrimSpace(env.SenderName) != "" {
		body = strings.TrimSpace(env.SenderName) + ": " + body
	}

	if env.MediaPath == "" {
		return body
	}

	attachment := "[attachment: " + env.MediaPath
	if env.MediaType != "" {
		attachment += " (" + env.MediaType + ")"
	}
	attachment += "]"

	if body == "" {
		return attachment
	}
	return body + "\n" + attachment
}

func (s *Service) publish(ctx context.Context, env bus.Envelope, event bus.Event) {
	if s.bus == nil {
		return
	}
	event.Channel = env.Channel
	event.AccountID = env.AccountID
	event.SessionKey = env.SessionKey
	event.MessageID = env.MessageID
	s.bus.PublishEvent(ctx, event)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
