package dingtalk

import (
	"context"
	"fmt"
	"net/url"
)

// Subscription topics for stream mode.
const (
	SubscriptionEvent    = "EVENT"
	SubscriptionCallback = "CALLBACK"

	TopicRobotMessage = "/v1.0/im/bot/messages/get"
	TopicAll          = "*"
)

// Subscription selects which frames a stream connection receives.
type Subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// Endpoint is a ticketed websocket endpoint for one stream connection.
type Endpoint struct {
	URL    string `json:"endpoint"`
	Ticket string `json:"ticket"`
}

// DialURL returns the websocket URL with the ticket attached.
func (e Endpoint) DialURL() (string, error) {
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	query := u.Query()
	query.Set("ticket", e.Ticket)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// OpenConnection registers a stream connection and returns where to dial it.
func (c *Client) OpenConnection(ctx context.Context, creds Credentials, userAgent string, subs []Subscription) (Endpoint, error) {
	if !creds.Valid() {
		return Endpoint{}, ErrNoCredentials
	}

	var endpoint Endpoint
	err := c.postJSON(ctx, c.apiBase+"/v1.0/gateway/connections/open", nil, map[string]any{
		"clientId":      creds.ClientID,
		"clientSecret":  creds.ClientSecret,
		"subscriptions": subs,
		"ua":            userAgent,
	}, &endpoint)
	if err != nil {
		return Endpoint{}, fmt.Errorf("open stream connection: %w", err)
	}
	if endpoint.URL == "" || endpoint.Ticket == "" {
		return Endpoint{}, &APIError{Code: "empty_endpoint", Message: "stream endpoint missing from response"}
	}
	return endpoint, nil
}
