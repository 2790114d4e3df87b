package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dingclaw/pkg/dingtalk"
	"dingclaw/pkg/logger"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultKeepAlive      = 60 * time.Second
	writeTimeout          = 10 * time.Second
)

var errServerDisconnect = errors.New("stream: server requested disconnect")

// AckFunc acknowledges the frame a Handler was invoked with.
type AckFunc func(data string) error

// Handler receives one frame. It runs on the read loop and must return
// promptly; long work belongs in its own goroutine after acking.
type Handler func(ctx context.Context, frame Frame, ack AckFunc)

// Opener registers a stream connection; *dingtalk.Client implements it.
type Opener interface {
	OpenConnection(ctx context.Context, creds dingtalk.Credentials, userAgent string, subs []dingtalk.Subscription) (dingtalk.Endpoint, error)
}

// Client keeps one stream connection open, reconnecting until its context ends.
type Client struct {
	opener Opener
	creds  dingtalk.Credentials
	dialer *websocket.Dialer
	log    *slog.Logger

	userAgent      string
	reconnectDelay time.Duration
	keepAlive      time.Duration
	onConnect      func(connected bool)

	callbacks    map[string]Handler
	eventHandler Handler

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// Option customizes a Client.
type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = logger.Component(log, "dingtalk.stream") }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

func WithReconnectDelay(delay time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = delay }
}

func WithKeepAlive(interval time.Duration) Option {
	return func(c *Client) { c.keepAlive = interval }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithConnectionHook is called with true after each successful dial and
// false whenever that connection ends.
func WithConnectionHook(hook func(connected bool)) Option {
	return func(c *Client) { c.onConnect = hook }
}

func New(opener Opener, creds dingtalk.Credentials, opts ...Option) *Client {
	c := &Client{
		opener:         opener,
		creds:          creds,
		dialer:         websocket.DefaultDialer,
		log:            logger.Component(nil, "dingtalk.stream"),
		userAgent:      "dingclaw/" + uuid.NewString()[:8],
		reconnectDelay: defaultReconnectDelay,
		keepAlive:      defaultKeepAlive,
		callbacks:      make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterCallback handles CALLBACK frames for topic.
func (c *Client) RegisterCallback(topic string, handler Handler) {
	c.callbacks[topic] = handler
}

// RegisterAllEvents handles every EVENT frame.
func (c *Client) RegisterAllEvents(handler Handler) {
	c.eventHandler = handler
}

func (c *Client) subscriptions() []dingtalk.Subscription {
	subs := []dingtalk.Subscription{{Type: dingtalk.SubscriptionEvent, Topic: dingtalk.TopicAll}}
	for topic := range c.callbacks {
		subs = append(subs, dingtalk.Subscription{Type: dingtalk.SubscriptionCallback, Topic: topic})
	}
	return subs
}

// Run connects and serves frames until ctx is canceled. Connection losses
// are retried after the reconnect delay; ctx cancellation returns nil.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, dingtalk.ErrNoCredentials) {
			return err
		}
		c.log.Warn("Stream connection ended, reconnecting", "error", err, "delay", c.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	endpoint, err := c.opener.OpenConnection(ctx, c.creds, c.userAgent, c.subscriptions())
	if err != nil {
		return err
	}
	dialURL, err := endpoint.DialURL()
	if err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream endpoint: %w", err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.log.Info("Stream connected", "endpoint", endpoint.URL)
	if c.onConnect != nil {
		c.onConnect(true)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
		if c.onConnect != nil {
			c.onConnect(false)
		}
	}()

	go c.keepAliveLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream frame: %w", err)
		}

		frame, err := decodeFrame(payload)
		if err != nil {
			c.log.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		if err := c.dispatch(ctx, frame); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, frame Frame) error {
	switch frame.Type {
	case TypeSystem:
		switch frame.Topic() {
		case TopicPing:
			return c.write(ackResponse(frame, frame.Data))
		case TopicDisconnect:
			return errServerDisconnect
		default:
			c.log.Debug("Ignoring system frame", "topic", frame.Topic())
		}
	case TypeEvent:
		ack := c.acker(frame)
		if c.eventHandler == nil {
			return ack(EventAckData)
		}
		c.eventHandler(ctx, frame, ack)
	case TypeCallback:
		ack := c.acker(frame)
		handler, ok := c.callbacks[frame.Topic()]
		if !ok {
			c.log.Debug("No handler for callback topic", "topic", frame.Topic())
			return ack(CallbackAckData)
		}
		handler(ctx, frame, ack)
	default:
		c.log.Debug("Ignoring frame", "type", frame.Type, "topic", frame.Topic())
	}
	return nil
}

func (c *Client) acker(frame Frame) AckFunc {
	var once sync.Once
	return func(data string) error {
		var err error
		once.Do(func() {
			err = c.write(ackResponse(frame, data))
		})
		return err
	}
}

func (c *Client) write(resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("stream: not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write stream frame: %w", err)
	}
	return nil
}

func (c *Client) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	if c.keepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn("Stream keepalive failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}
