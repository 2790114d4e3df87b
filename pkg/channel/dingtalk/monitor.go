// Package dingtalk is the DingTalk stream-mode channel: it receives robot
// messages, normalizes and filters them, and hands envelopes to the reply
// pipeline together with a delivery callback.
package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dingclaw/pkg/access"
	"dingclaw/pkg/bus"
	"dingclaw/pkg/channel"
	"dingclaw/pkg/config"
	"dingclaw/pkg/delivery"
	api "dingclaw/pkg/dingtalk"
	"dingclaw/pkg/dingtalk/stream"
	"dingclaw/pkg/directory"
	"dingclaw/pkg/extract"
	"dingclaw/pkg/logger"
	"dingclaw/pkg/media"
)

const (
	channelName         = "dingtalk"
	messagePreviewLimit = 120
	drainTimeout        = 10 * time.Second
	thinkingText        = "⏳ 思考中..."
)

// API is everything the monitor needs from the provider; *dingtalk.Client
// implements it.
type API interface {
	stream.Opener
	media.API
	delivery.API
	directory.Lookup
	Recall(ctx context.Context, creds api.Credentials, from api.Recipient, keys []string) (api.RecallResult, error)
}

var _ API = (*api.Client)(nil)

// Monitor runs one DingTalk account.
type Monitor struct {
	account config.Account
	creds   api.Credentials
	api     API
	log     *slog.Logger
	bus     *bus.Bus
	now     func() time.Time

	streamOpts []stream.Option
	store      directory.Store
	fetcher    *media.Fetcher
	sweeper    *media.Sweeper
	extractor  *extract.Extractor
	engine     *delivery.Engine
	policy     access.Policy

	state    atomic.Int32
	statusMu sync.RWMutex
	status   channel.StatusFunc
	inflight sync.WaitGroup
}

type Option func(*Monitor)

func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// WithBus publishes lifecycle events to b.
func WithBus(b *bus.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

// WithUserStore replaces the sqlite user cache opened from the account's
// user_cache_path.
func WithUserStore(store directory.Store) Option {
	return func(m *Monitor) { m.store = store }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStreamOptions passes options through to the stream client.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(m *Monitor) { m.streamOpts = append(m.streamOpts, opts...) }
}

// WithMediaOptions configures the attachment fetcher.
func WithMediaOptions(opts ...media.FetcherOption) Option {
	return func(m *Monitor) { m.fetcher = media.NewFetcher(m.api, m.account.MediaDir, opts...) }
}

// WithDeliveryOptions configures the reply engine.
func WithDeliveryOptions(opts ...delivery.Option) Option {
	return func(m *Monitor) {
		m.engine = delivery.NewEngine(m.api, m.creds, delivery.SettingsFor(m.account), opts...)
	}
}

// NewMonitor wires the pipeline for account. Opening the user cache is best
// effort; without it names are resolved through the API only.
func NewMonitor(account config.Account, client API, opts ...Option) (*Monitor, error) {
	if client == nil {
		return nil, errors.New("dingtalk api client is required")
	}

	m := &Monitor{
		account: account,
		creds: api.Credentials{
			ClientID:     account.ClientID,
			ClientSecret: account.ClientSecret,
			RobotCode:    account.RobotCode,
		},
		api:    client,
		log:    slog.Default(),
		now:    time.Now,
		policy: access.PolicyFor(account),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.Component(m.log, "channel.dingtalk", "account", account.ID)

	if m.fetcher == nil {
		m.fetcher = media.NewFetcher(client, account.MediaDir, media.WithLogger(m.log))
	}
	if m.engine == nil {
		m.engine = delivery.NewEngine(client, m.creds, delivery.SettingsFor(account), delivery.WithLogger(m.log))
	}
	if m.store == nil {
		store, err := directory.OpenSQLite(account.UserCachePath, m.log)
		if err != nil {
			m.log.Warn("User cache unavailable", "path", account.UserCachePath, "error", err)
		} else {
			m.store = store
		}
	}

	names := directory.New(m.store, client, m.creds, m.log)
	m.extractor = extract.New(m.creds,
		extract.WithDownloader(m.fetcher),
		extract.WithNames(names),
		extract.WithLogger(m.log),
	)
	m.sweeper = media.NewSweeper(account.MediaDir, m.log)
	return m, nil
}

// Name returns the channel identifier used in envelopes and logs.
func (m *Monitor) Name() string {
	return channelName
}

// SetStatusFunc registers the receiver of status updates.
func (m *Monitor) SetStatusFunc(fn channel.StatusFunc) {
	m.statusMu.Lock()
	m.status = fn
	m.statusMu.Unlock()
}

// State reports the connection state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Run connects to the stream and serves events until ctx ends. Before the
// user cache is closed Run waits a bounded time for in-flight events; any
// still running after that keep going without it.
func (m *Monitor) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if !m.creds.Valid() {
		return fmt.Errorf("channels.dingtalk: %w", api.ErrNoCredentials)
	}

	if err := m.sweeper.Start(); err != nil {
		m.log.Warn("Media sweeper not scheduled", "error", err)
	}
	defer m.sweeper.Stop()
	if m.store != nil {
		defer func() {
			m.drain(drainTimeout)
			if err := m.store.Close(); err != nil {
				m.log.Debug("Close user cache", "error", err)
			}
		}()
	}

	opts := append([]stream.Option{
		stream.WithLogger(m.log),
		stream.WithConnectionHook(m.onConnection),
	}, m.streamOpts...)
	client := stream.New(m.api, m.creds, opts...)
	client.RegisterCallback(api.TopicRobotMessage, m.robotMessageHandler(handler))
	client.RegisterAllEvents(func(_ context.Context, _ stream.Frame, ack stream.AckFunc) {
		_ = ack(stream.EventAckData)
	})

	m.setState(StateConnecting)
	m.log.Info("DingTalk channel starting", "robot_code", m.creds.RobotCode)
	err := client.Run(ctx)

	m.setState(StateDisconnecting)
	running := false
	m.report(channel.StatusUpdate{Running: &running, LastStopAt: m.now()})
	m.setState(StateDisconnected)
	m.log.Info("DingTalk channel stopped")
	return err
}

// drain waits up to timeout for in-flight events and reports whether they
// all finished.
func (m *Monitor) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		m.log.Warn("In-flight events still running at shutdown", "waited", timeout)
		return false
	}
}

func (m *Monitor) onConnection(connected bool) {
	if connected {
		m.setState(StateConnected)
		running := true
		m.report(channel.StatusUpdate{Running: &running, LastStartAt: m.now()})
		m.log.Info("Stream connected")
		return
	}
	if m.State() == StateConnected {
		m.setState(StateConnecting)
	}
}

// robotMessageHandler acks each callback before anything else, then
// processes it off the read loop.
func (m *Monitor) robotMessageHandler(handler channel.Handler) stream.Handler {
	return func(ctx context.Context, frame stream.Frame, ack stream.AckFunc) {
		if err := ack(stream.CallbackAckData); err != nil {
			m.log.Warn("Ack failed", "message_id", frame.MessageID(), "error", err)
		}
		m.report(channel.StatusUpdate{LastInboundAt: m.now()})

		event, err := extract.ParseEvent([]byte(frame.Data))
		if err != nil {
			m.log.Warn("Undecodable robot message", "message_id", frame.MessageID(), "error", err)
			m.publish(ctx, bus.Event{Type: bus.EventProcessingFailed, MessageID: frame.MessageID(), Error: err.Error()})
			return
		}

		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			m.process(context.WithoutCancel(ctx), event, handler)
		}()
	}
}

// process runs one event through extraction, access control and the reply
// pipeline. It never returns an error; failures go to the log and the bus.
func (m *Monitor) process(ctx context.Context, event *extract.Event, handler channel.Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Event processing panicked", "msg_id", event.MsgID, "panic", r)
			m.publish(ctx, bus.Event{Type: bus.EventProcessingFailed, MessageID: event.MsgID, Error: fmt.Sprint(r)})
		}
	}()

	extracted := m.extractor.Extract(ctx, event)

	var attachment media.Result
	if extracted.Media != nil && !extracted.Transcribed {
		result, err := m.fetcher.Download(ctx, m.creds, extracted.Media.DownloadCode, extracted.Media.Kind)
		if err != nil {
			m.log.Warn("Attachment download failed", "msg_id", event.MsgID, "kind", extracted.Media.Kind, "error", err)
		} else {
			attachment = result
		}
	}

	if extracted.Text == "" && attachment.Path == "" {
		m.log.Debug("Dropping empty message", "msg_id", event.MsgID, "msgtype", event.MsgType)
		m.publish(ctx, bus.Event{Type: bus.EventInboundDropped, MessageID: event.MsgID, Payload: map[string]string{"reason": "empty"}})
		return
	}

	timeout := time.Duration(m.account.MentionLookupTimeoutMS) * time.Millisecond
	text := m.extractor.Enrich(ctx, event, extracted.Text, timeout)

	env := m.envelope(event, text, attachment)
	m.log.Info("Received message", "chat_type", env.ChatType, "sender_id", env.SenderID, "session_key", env.SessionKey, "content", previewText(text))

	if !m.admit(ctx, event, env) {
		return
	}
	m.publish(ctx, bus.Event{Type: bus.EventInboundReceived, SessionKey: env.SessionKey, MessageID: env.MessageID})

	target := replyTarget(event)
	deliver := func(ctx context.Context, reply string) {
		report := m.engine.Deliver(ctx, target, reply)
		if report.Delivered() {
			m.report(channel.StatusUpdate{LastOutboundAt: m.now()})
			m.publish(ctx, bus.Event{Type: bus.EventReplyDelivered, SessionKey: env.SessionKey, MessageID: env.MessageID})
			return
		}
		if report.Chunks > 0 {
			m.publish(ctx, bus.Event{
				Type:       bus.EventReplyFailed,
				SessionKey: env.SessionKey,
				MessageID:  env.MessageID,
				Payload:    map[string]string{"failed_chunks": fmt.Sprint(report.Failed)},
			})
		}
	}

	if m.account.ShowThinking {
		defer m.showThinking(ctx, target, deliver)()
	}

	if err := handler(ctx, env, deliver); err != nil {
		m.log.Error("Reply pipeline failed", "session_key", env.SessionKey, "error", err)
		m.report(channel.StatusUpdate{LastError: err.Error()})
		m.publish(ctx, bus.Event{Type: bus.EventProcessingFailed, SessionKey: env.SessionKey, MessageID: env.MessageID, Error: err.Error()})
	}
}

// showThinking posts the placeholder and returns the func that withdraws it.
// Only REST sends can be recalled; without credentials the placeholder goes
// through the normal delivery path and stays.
func (m *Monitor) showThinking(ctx context.Context, target delivery.Target, deliver channel.DeliverFunc) func() {
	if !m.creds.Valid() {
		deliver(ctx, thinkingText)
		return func() {}
	}

	key, err := m.api.SendRobotMessage(ctx, m.creds, target.Recipient, api.RobotText(thinkingText))
	if err != nil || key == "" {
		m.log.Debug("Thinking placeholder not sent", "error", err)
		return func() {}
	}
	return func() {
		result, err := m.api.Recall(ctx, m.creds, target.Recipient, []string{key})
		if err != nil {
			m.log.Debug("Thinking placeholder recall failed", "query_key", key, "error", err)
			return
		}
		if reason, failed := result.Failed[key]; failed {
			m.log.Debug("Thinking placeholder not recalled", "query_key", key, "reason", reason)
		}
	}
}

// admit applies access control and sends the pairing deflect when one is due.
func (m *Monitor) admit(ctx context.Context, event *extract.Event, env bus.Envelope) bool {
	if !event.IsDirect() && !event.IsGroup() {
		m.log.Debug("Unknown conversation type, skipping access checks", "conversation_type", event.ConversationType)
		return true
	}

	decision := access.Decide(m.policy, access.Request{
		Group:          event.IsGroup(),
		SenderID:       env.SenderID,
		ConversationID: event.ConversationID,
		Mentioned:      event.IsInAtList,
	})
	if decision.Allow {
		return true
	}

	m.log.Info("Message rejected", "reason", decision.Reason, "sender_id", env.SenderID, "conversation_id", event.ConversationID)
	if decision.Deflect == "" || event.SessionWebhook == "" {
		m.publish(ctx, bus.Event{Type: bus.EventInboundDropped, SessionKey: env.SessionKey, MessageID: env.MessageID, Payload: map[string]string{"reason": decision.Reason}})
		return false
	}

	if err := m.api.SendWebhook(ctx, event.SessionWebhook, api.TextMessage(decision.Deflect)); err != nil {
		m.log.Debug("Deflect reply failed", "sender_id", env.SenderID, "error", err)
	}
	m.publish(ctx, bus.Event{Type: bus.EventInboundDeflected, SessionKey: env.SessionKey, MessageID: env.MessageID, Payload: map[string]string{"reason": decision.Reason}})
	return false
}

func (m *Monitor) envelope(event *extract.Event, text string, attachment media.Result) bus.Envelope {
	senderID := event.Sender()
	group := event.IsGroup()

	env := bus.Envelope{
		Channel:    channelName,
		AccountID:  m.account.ID,
		MessageID:  event.MsgID,
		SessionKey: SessionKey(m.account.ID, group, event.ConversationID),
		ChatType:   bus.ChatDirect,
		From:       channelName + ":" + senderID,
		To:         channelName + ":dm:" + senderID,
		SenderID:   senderID,
		SenderName: event.SenderNick,
		BodyText:   text,
		RawText:    text,
		MediaPath:  attachment.Path,
		MediaType:  attachment.MimeType,
		ReceivedAt: m.now(),
	}
	env.ConversationLabel = event.SenderNick

	if group {
		mentioned := event.IsInAtList
		env.ChatType = bus.ChatGroup
		env.To = channelName + ":group:" + event.ConversationID
		env.Mentioned = &mentioned
		env.ConversationLabel = event.ConversationTitle
		if env.ConversationLabel == "" {
			env.ConversationLabel = event.ConversationID
		}
	}
	return env
}

// SessionKey names the conversation a reply session belongs to.
func SessionKey(accountID string, group bool, conversationID string) string {
	kind := "dm"
	if group {
		kind = "group"
	}
	return channelName + ":" + accountID + ":" + kind + ":" + conversationID
}

func replyTarget(event *extract.Event) delivery.Target {
	target := delivery.Target{SessionWebhook: event.SessionWebhook}
	if event.SessionWebhookExpiredTime > 0 {
		target.WebhookExpiry = time.UnixMilli(event.SessionWebhookExpiredTime)
	}
	if event.IsGroup() {
		target.Recipient = api.Recipient{ConversationID: event.ConversationID, Group: true}
	} else {
		target.Recipient = api.Recipient{UserID: event.Sender()}
	}
	return target
}

func (m *Monitor) setState(state State) {
	m.state.Store(int32(state))
}

func (m *Monitor) report(update channel.StatusUpdate) {
	m.statusMu.RLock()
	fn := m.status
	m.statusMu.RUnlock()
	if fn != nil {
		fn(update)
	}
}

func (m *Monitor) publish(ctx context.Context, event bus.Event) {
	if m.bus == nil {
		return
	}
	event.Channel = channelName
	event.AccountID = m.account.ID
	m.bus.PublishEvent(ctx, event)
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= messagePreviewLimit {
		return trimmed
	}
	return string(runes[:messagePreviewLimit]) + "..."
}
