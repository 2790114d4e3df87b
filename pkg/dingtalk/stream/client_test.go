package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"dingclaw/pkg/dingtalk"
)

type staticOpener struct {
	url   string
	calls atomic.Int32
	subs  []dingtalk.Subscription
}

func (o *staticOpener) OpenConnection(_ context.Context, _ dingtalk.Credentials, _ string, subs []dingtalk.Subscription) (dingtalk.Endpoint, error) {
	o.calls.Add(1)
	o.subs = subs
	return dingtalk.Endpoint{URL: o.url, Ticket: "ticket-1"}, nil
}

// gatewayStub upgrades one connection per dial and hands it to script.
func gatewayStub(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ticket-1", r.URL.Query().Get("ticket"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readResponse(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestClientAcksCallbackAndEchoesPing(t *testing.T) {
	responses := make(chan Response, 2)
	url := gatewayStub(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, map[string]any{
			"specVersion": "1.0",
			"type":        TypeSystem,
			"headers":     map[string]any{"topic": TopicPing, "messageId": "ping-1"},
			"data":        `{"opaque":"abc"}`,
		})
		responses <- readResponse(t, conn)

		sendFrame(t, conn, map[string]any{
			"specVersion": "1.0",
			"type":        TypeCallback,
			"headers":     map[string]any{"topic": dingtalk.TopicRobotMessage, "messageId": "msg-1", "time": 1700000000000},
			"data":        `{"msgtype":"text"}`,
		})
		responses <- readResponse(t, conn)
		_, _, _ = conn.ReadMessage()
	})

	opener := &staticOpener{url: url}
	client := New(opener, dingtalk.Credentials{ClientID: "a", ClientSecret: "b"}, WithKeepAlive(0))

	received := make(chan Frame, 1)
	client.RegisterCallback(dingtalk.TopicRobotMessage, func(_ context.Context, frame Frame, ack AckFunc) {
		require.NoError(t, ack(CallbackAckData))
		require.NoError(t, ack(CallbackAckData), "second ack is a no-op")
		received <- frame
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	ping := <-responses
	require.Equal(t, 200, ping.Code)
	require.Equal(t, `{"opaque":"abc"}`, ping.Data)
	require.Equal(t, "ping-1", ping.Headers["messageId"])

	ack := <-responses
	require.Equal(t, "msg-1", ack.Headers["messageId"])
	require.Equal(t, "application/json", ack.Headers["contentType"])
	require.Equal(t, CallbackAckData, ack.Data)

	frame := <-received
	require.Equal(t, `{"msgtype":"text"}`, frame.Data)
	require.Equal(t, "1700000000000", frame.Headers["time"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.Len(t, opener.subs, 2)
}

func TestClientAutoAcksEventsWithoutHandler(t *testing.T) {
	responses := make(chan Response, 1)
	url := gatewayStub(t, func(conn *websocket.Conn) {
		sendFrame(t, conn, map[string]any{
			"type":    TypeEvent,
			"headers": map[string]any{"topic": "chat_update_title", "messageId": "evt-1"},
			"data":    `{}`,
		})
		responses <- readResponse(t, conn)
		_, _, _ = conn.ReadMessage()
	})

	client := New(&staticOpener{url: url}, dingtalk.Credentials{ClientID: "a", ClientSecret: "b"}, WithKeepAlive(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	select {
	case resp := <-responses:
		require.Equal(t, EventAckData, resp.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not acknowledged")
	}
}

func TestClientReconnectsAfterServerDisconnect(t *testing.T) {
	var dials atomic.Int32
	url := gatewayStub(t, func(conn *websocket.Conn) {
		if dials.Add(1) == 1 {
			sendFrame(t, conn, map[string]any{
				"type":    TypeSystem,
				"headers": map[string]any{"topic": TopicDisconnect},
				"data":    `{"reason":"rebalance"}`,
			})
		}
		_, _, _ = conn.ReadMessage()
	})

	var states []bool
	stateCh := make(chan bool, 4)
	opener := &staticOpener{url: url}
	client := New(opener, dingtalk.Credentials{ClientID: "a", ClientSecret: "b"},
		WithKeepAlive(0),
		WithReconnectDelay(10*time.Millisecond),
		WithConnectionHook(func(connected bool) { stateCh <- connected }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	for len(states) < 3 {
		select {
		case state := <-stateCh:
			states = append(states, state)
		case <-time.After(2 * time.Second):
			t.Fatalf("states so far %v", states)
		}
	}
	require.Equal(t, []bool{true, false, true}, states)
	require.GreaterOrEqual(t, opener.calls.Load(), int32(2))
}

func TestHeadersKeepNonStringValues(t *testing.T) {
	var frame Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"CALLBACK","headers":{"topic":"t","time":123}}`), &frame))
	require.Equal(t, "t", frame.Topic())
	require.Equal(t, "123", frame.Headers["time"])
}
