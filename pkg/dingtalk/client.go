// Package dingtalk is a small client for the DingTalk open platform APIs used
// by the stream bridge: access tokens, robot messages, media and user lookup.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dingclaw/pkg/logger"
)

const (
	DefaultAPIBaseURL  = "https://api.dingtalk.com"
	DefaultOAPIBaseURL = "https://oapi.dingtalk.com"

	tokenHeader        = "x-acs-dingtalk-access-token"
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBodyBytes  = 4 << 10
)

var (
	// ErrNoCredentials means the account has no client id/secret, so REST
	// and media calls are unavailable.
	ErrNoCredentials = errors.New("dingtalk: no credentials configured")
	// ErrNoRecipient means a REST send had neither a user nor a conversation.
	ErrNoRecipient = errors.New("dingtalk: no recipient")
)

// APIError is a provider-level failure reported in a response body. It is
// terminal for the call that produced it.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dingtalk api error (http %d, code %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("dingtalk api error (code %s): %s", e.Code, e.Message)
}

// Credentials identify one robot application.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RobotCode    string
}

func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

func (c Credentials) robotCode() string {
	if c.RobotCode != "" {
		return c.RobotCode
	}
	return c.ClientID
}

// Client talks to the DingTalk HTTP APIs.
type Client struct {
	httpClient *http.Client
	apiBase    string
	oapiBase   string
	tokens     *TokenCache
	log        *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBaseURLs overrides the api.dingtalk.com and oapi.dingtalk.com hosts.
func WithBaseURLs(api, oapi string) Option {
	return func(c *Client) {
		if api != "" {
			c.apiBase = strings.TrimRight(api, "/")
		}
		if oapi != "" {
			c.oapiBase = strings.TrimRight(oapi, "/")
		}
	}
}

func WithTokenCache(tokens *TokenCache) Option {
	return func(c *Client) {
		if tokens != nil {
			c.tokens = tokens
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = logger.Component(log, "dingtalk.client")
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiBase:    DefaultAPIBaseURL,
		oapiBase:   DefaultOAPIBaseURL,
		log:        logger.Component(nil, "dingtalk.client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = NewTokenCache(nil)
	}
	c.tokens.setFetcher(c.fetchToken)
	return c
}

// AccessToken returns a cached or freshly issued access token.
func (c *Client) AccessToken(ctx context.Context, creds Credentials) (string, error) {
	if !creds.Valid() {
		return "", ErrNoCredentials
	}
	return c.tokens.Get(ctx, creds)
}

// apiResult is the error envelope shared by api.dingtalk.com (code/message)
// and oapi.dingtalk.com (errcode/errmsg).
type apiResult struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	ErrCode *int64 `json:"errcode,omitempty"`
	ErrMsg  string `json:"errmsg,omitempty"`
}

func (r apiResult) err(status int) error {
	if r.ErrCode != nil && *r.ErrCode != 0 {
		return &APIError{Status: status, Code: fmt.Sprint(*r.ErrCode), Message: r.ErrMsg}
	}
	if r.Code != "" && r.Code != "0" {
		return &APIError{Status: status, Code: r.Code, Message: r.Message}
	}
	return nil
}

// postJSON sends body to url and decodes the response into out. A non-2xx
// status or an error code in the body is returned as *APIError.
func (c *Client) postJSON(ctx context.Context, url string, headers map[string]string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var result apiResult
	_ = json.Unmarshal(data, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if apiErr := result.err(resp.StatusCode); apiErr != nil {
			return apiErr
		}
		return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: truncate(string(data))}
	}
	if apiErr := result.err(resp.StatusCode); apiErr != nil {
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authHeaders(ctx context.Context, creds Credentials) (map[string]string, error) {
	token, err := c.AccessToken(ctx, creds)
	if err != nil {
		return nil, err
	}
	return map[string]string{tokenHeader: token}, nil
}

// postAuthed is postJSON with the access token header. A rejected token is
// dropped from the cache and the call is retried once with a fresh one.
func (c *Client) postAuthed(ctx context.Context, creds Credentials, url string, body any, out any) error {
	for attempt := 0; ; attempt++ {
		headers, err := c.authHeaders(ctx, creds)
		if err != nil {
			return err
		}
		err = c.postJSON(ctx, url, headers, body, out)
		if !c.dropRejectedToken(creds, err) || attempt > 0 {
			return err
		}
	}
}

// dropRejectedToken invalidates the cached token when err says the provider
// no longer accepts it, and reports whether it did.
func (c *Client) dropRejectedToken(creds Credentials, err error) bool {
	if !tokenRejected(err) {
		return false
	}
	c.log.Warn("Access token rejected, refreshing", "client_id", creds.ClientID, "error", err)
	c.tokens.Invalidate(creds.ClientID)
	return true
}

// tokenRejected matches HTTP 401 from api.dingtalk.com and the oapi
// invalid or expired access_token codes.
func tokenRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Code == "40014" || apiErr.Code == "42001"
}

func truncate(body string) string {
	if len(body) <= maxErrorBodyBytes {
		return body
	}
	return body[:maxErrorBodyBytes]
}
