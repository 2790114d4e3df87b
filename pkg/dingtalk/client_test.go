package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{ClientID: "ding-app", ClientSecret: "secret", RobotCode: "robot-1"}

type apiStub struct {
	t          *testing.T
	tokenCalls atomic.Int32
	handlers   map[string]http.HandlerFunc
}

func newAPIStub(t *testing.T) (*apiStub, *Client) {
	t.Helper()
	stub := &apiStub{t: t, handlers: map[string]http.HandlerFunc{}}
	server := httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(server.Close)
	return stub, NewClient(WithBaseURLs(server.URL, server.URL), WithHTTPClient(server.Client()))
}

func (s *apiStub) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1.0/oauth2/accessToken" {
		s.tokenCalls.Add(1)
		writeJSON(w, map[string]any{"accessToken": "tok-1", "expireIn": 7200})
		return
	}
	handler, ok := s.handlers[r.URL.Path]
	if !ok {
		s.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
		return
	}
	handler(w, r)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestAccessTokenIsCached(t *testing.T) {
	stub, client := newAPIStub(t)

	for range 3 {
		token, err := client.AccessToken(context.Background(), testCreds)
		require.NoError(t, err)
		require.Equal(t, "tok-1", token)
	}
	require.EqualValues(t, 1, stub.tokenCalls.Load())
}

func TestAccessTokenRequiresCredentials(t *testing.T) {
	client := NewClient()

	_, err := client.AccessToken(context.Background(), Credentials{ClientID: "only-id"})
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestTokenCacheRefreshesNearExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	cache := NewTokenCache(func(context.Context, Credentials) (Token, error) {
		calls++
		return Token{Value: "t", ExpiresAt: now.Add(2 * time.Minute)}, nil
	})
	cache.now = func() time.Time { return now }

	_, err := cache.Get(context.Background(), testCreds)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), testCreds)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	now = now.Add(61 * time.Second)
	_, err = cache.Get(context.Background(), testCreds)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "token within a minute of expiry is refreshed")
}

func TestSendRobotMessageDirect(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/v1.0/robot/oToMessages/batchSend"] = func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok-1", r.Header.Get("x-acs-dingtalk-access-token"))
		body := decodeBody(t, r)
		require.Equal(t, "robot-1", body["robotCode"])
		require.Equal(t, []any{"staff-9"}, body["userIds"])
		require.Equal(t, MsgKeyText, body["msgKey"])
		require.JSONEq(t, `{"content":"hi"}`, body["msgParam"].(string))
		writeJSON(w, map[string]any{"processQueryKey": "q-1"})
	}

	key, err := client.SendRobotMessage(context.Background(), testCreds, Recipient{UserID: "staff-9"}, RobotText("hi"))
	require.NoError(t, err)
	require.Equal(t, "q-1", key)
}

func TestSendRobotMessageGroupMarkdown(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/v1.0/robot/groupMessages/send"] = func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "cid-1", body["openConversationId"])
		require.Equal(t, MsgKeyMarkdown, body["msgKey"])
		require.JSONEq(t, `{"title":"AI","text":"**x**"}`, body["msgParam"].(string))
		writeJSON(w, map[string]any{})
	}

	_, err := client.SendRobotMessage(context.Background(), testCreds, Recipient{ConversationID: "cid-1", Group: true}, RobotMarkdown("", "**x**"))
	require.NoError(t, err)
}

func TestSendRobotMessageWithoutRecipient(t *testing.T) {
	_, client := newAPIStub(t)

	_, err := client.SendRobotMessage(context.Background(), testCreds, Recipient{Group: true}, RobotText("x"))
	require.ErrorIs(t, err, ErrNoRecipient)
}

func TestRecallDirect(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/v1.0/robot/otoMessages/batchRecall"] = func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok-1", r.Header.Get("x-acs-dingtalk-access-token"))
		body := decodeBody(t, r)
		require.Equal(t, "robot-1", body["robotCode"])
		require.Equal(t, "staff-9", body["chatBotUserId"])
		require.Equal(t, []any{"q-1", "q-2"}, body["processQueryKeys"])
		writeJSON(w, map[string]any{
			"successResult": []string{"q-1"},
			"failedResult":  map[string]string{"q-2": "expired"},
		})
	}

	result, err := client.Recall(context.Background(), testCreds, Recipient{UserID: "staff-9"}, []string{"q-1", "q-2"})
	require.NoError(t, err)
	require.Equal(t, []string{"q-1"}, result.Recalled)
	require.Equal(t, map[string]string{"q-2": "expired"}, result.Failed)
}

func TestRecallGroup(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/v1.0/robot/groupMessages/recall"] = func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "cid-1", body["openConversationId"])
		require.Equal(t, []any{"q-7"}, body["processQueryKeys"])
		writeJSON(w, map[string]any{"successResult": []string{"q-7"}})
	}

	result, err := client.Recall(context.Background(), testCreds, Recipient{ConversationID: "cid-1", Group: true}, []string{"q-7"})
	require.NoError(t, err)
	require.Equal(t, []string{"q-7"}, result.Recalled)

	_, err = client.Recall(context.Background(), testCreds, Recipient{Group: true}, []string{"q-7"})
	require.ErrorIs(t, err, ErrNoRecipient)

	result, err = client.Recall(context.Background(), testCreds, Recipient{UserID: "staff-9"}, nil)
	require.NoError(t, err)
	require.Empty(t, result.Recalled)
}

func TestRejectedTokenIsRefreshedOnce(t *testing.T) {
	stub, client := newAPIStub(t)
	var sends atomic.Int32
	stub.handlers["/v1.0/robot/oToMessages/batchSend"] = func(w http.ResponseWriter, r *http.Request) {
		if sends.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"code": "InvalidAuthentication", "message": "token expired"})
			return
		}
		writeJSON(w, map[string]any{"processQueryKey": "q-3"})
	}

	key, err := client.SendRobotMessage(context.Background(), testCreds, Recipient{UserID: "staff-9"}, RobotText("hi"))
	require.NoError(t, err)
	require.Equal(t, "q-3", key)
	require.EqualValues(t, 2, sends.Load())
	require.EqualValues(t, 2, stub.tokenCalls.Load(), "rejected token is fetched again")
}

func TestRejectedTokenRetriesOnlyOnce(t *testing.T) {
	stub, client := newAPIStub(t)
	var sends atomic.Int32
	stub.handlers["/v1.0/robot/oToMessages/batchSend"] = func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]any{"code": "InvalidAuthentication", "message": "bad app"})
	}

	_, err := client.SendRobotMessage(context.Background(), testCreds, Recipient{UserID: "staff-9"}, RobotText("hi"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.EqualValues(t, 2, sends.Load())
}

func TestSendWebhookReportsErrCode(t *testing.T) {
	var got WebhookMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"errcode": 310000, "errmsg": "expired"})
	}))
	t.Cleanup(server.Close)

	err := NewClient().SendWebhook(context.Background(), server.URL, MarkdownMessage("", "# hi"))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "310000", apiErr.Code)
	require.Equal(t, "markdown", got.MsgType)
	require.Equal(t, "Reply", got.Markdown.Title)
}

func TestSendWebhookAcceptsZeroErrCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"errcode": 0, "errmsg": "ok"})
	}))
	t.Cleanup(server.Close)

	require.NoError(t, NewClient().SendWebhook(context.Background(), server.URL, TextMessage("hello")))
}

func TestResolveDownloadProviderError(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/v1.0/robot/messageFiles/download"] = func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "code-1", body["downloadCode"])
		writeJSON(w, map[string]any{"errcode": 40001, "errmsg": "invalid download code"})
	}

	_, err := client.ResolveDownload(context.Background(), testCreds, "code-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "invalid download code", apiErr.Message)
}

func TestResolveDownloadReturnsURL(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/v1.0/robot/messageFiles/download"] = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"downloadUrl": "https://cdn.example/x.png", "contentType": "image/png"})
	}

	info, err := client.ResolveDownload(context.Background(), testCreds, "code-1")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/x.png", info.URL)
	require.Equal(t, "image/png", info.ContentType)
}

func TestUploadMedia(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/media/upload"] = func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok-1", r.URL.Query().Get("access_token"))
		require.Equal(t, "file", r.URL.Query().Get("type"))
		file, header, err := r.FormFile("media")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		require.Equal(t, "reply.md", header.Filename)
		require.Equal(t, "content", string(data))
		writeJSON(w, map[string]any{"errcode": 0, "media_id": "@media"})
	}

	id, err := client.UploadMedia(context.Background(), testCreds, "file", "reply.md", []byte("content"))
	require.NoError(t, err)
	require.Equal(t, "@media", id)
}

func TestGetUser(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/topapi/v2/user/get"] = func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "staff-1", body["userid"])
		writeJSON(w, map[string]any{"errcode": 0, "result": map[string]any{"name": "Li Lei", "avatar": "a.png"}})
	}

	user, err := client.GetUser(context.Background(), testCreds, "staff-1")
	require.NoError(t, err)
	require.Equal(t, "Li Lei", user.Name)
}

func TestOpenConnection(t *testing.T) {
	stub, client := newAPIStub(t)
	stub.handlers["/v1.0/gateway/connections/open"] = func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "ding-app", body["clientId"])
		require.Len(t, body["subscriptions"], 2)
		writeJSON(w, map[string]any{"endpoint": "wss://stream.example/connect", "ticket": "t k"})
	}

	endpoint, err := client.OpenConnection(context.Background(), testCreds, "dingclaw/test", []Subscription{
		{Type: SubscriptionEvent, Topic: TopicAll},
		{Type: SubscriptionCallback, Topic: TopicRobotMessage},
	})
	require.NoError(t, err)

	dial, err := endpoint.DialURL()
	require.NoError(t, err)
	require.Equal(t, "wss://stream.example/connect?ticket=t+k", dial)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Recipient
	}{
		{in: "dingtalk:dm:u1", want: Recipient{UserID: "u1"}},
		{in: "dingtalk:group:c1", want: Recipient{ConversationID: "c1", Group: true}},
		{in: "dm:u2", want: Recipient{UserID: "u2"}},
		{in: "group:c2", want: Recipient{ConversationID: "c2", Group: true}},
		{in: " u3 ", want: Recipient{UserID: "u3"}},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseTarget("group:")
	require.ErrorIs(t, err, ErrNoRecipient)
}

func TestImageMarkdown(t *testing.T) {
	msg := ImageMarkdown("https://x/y.png", "chart")
	require.Equal(t, "chart", msg.Markdown.Title)
	require.Equal(t, "chart\n\n![image](https://x/y.png)", msg.Markdown.Text)
}
