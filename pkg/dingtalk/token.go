package dingtalk

import (
	"context"
	"sync"
	"time"
)

// tokenRefreshSkew is how long before expiry a cached token is refreshed.
const tokenRefreshSkew = 60 * time.Second

// Token is an issued access token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenFetcher issues a new access token for creds.
type TokenFetcher func(ctx context.Context, creds Credentials) (Token, error)

// TokenCache caches access tokens per client id. Concurrent refreshes of an
// expired entry are not coalesced; the token endpoint is idempotent.
type TokenCache struct {
	fetch TokenFetcher
	now   func() time.Time

	mu     sync.RWMutex
	tokens map[string]Token
}

// NewTokenCache builds a cache. A nil fetch is replaced by the first Client
// constructed with WithTokenCache.
func NewTokenCache(fetch TokenFetcher) *TokenCache {
	return &TokenCache{
		fetch:  fetch,
		now:    time.Now,
		tokens: make(map[string]Token),
	}
}

// setFetcher installs fetch unless the cache already has one.
func (c *TokenCache) setFetcher(fetch TokenFetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetch == nil {
		c.fetch = fetch
	}
}

// Get returns the cached token for creds.ClientID unless it expires within a minute.
func (c *TokenCache) Get(ctx context.Context, creds Credentials) (string, error) {
	c.mu.RLock()
	cached, ok := c.tokens[creds.ClientID]
	c.mu.RUnlock()
	if ok && c.now().Add(tokenRefreshSkew).Before(cached.ExpiresAt) {
		return cached.Value, nil
	}

	c.mu.RLock()
	fetch := c.fetch
	c.mu.RUnlock()
	if fetch == nil {
		return "", ErrNoCredentials
	}

	token, err := fetch(ctx, creds)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tokens[creds.ClientID] = token
	c.mu.Unlock()
	return token.Value, nil
}

// Invalidate drops the cached token for clientID.
func (c *TokenCache) Invalidate(clientID string) {
	c.mu.Lock()
	delete(c.tokens, clientID)
	c.mu.Unlock()
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"`
}

func (c *Client) fetchToken(ctx context.Context, creds Credentials) (Token, error) {
	var resp accessTokenResponse
	err := c.postJSON(ctx, c.apiBase+"/v1.0/oauth2/accessToken", nil, map[string]string{
		"appKey":    creds.ClientID,
		"appSecret": creds.ClientSecret,
	}, &resp)
	if err != nil {
		return Token{}, err
	}
	if resp.AccessToken == "" {
		return Token{}, &APIError{Code: "empty_token", Message: "access token missing from response"}
	}

	c.log.Debug("Access token issued", "client_id", creds.ClientID, "expire_in", resp.ExpireIn)
	return Token{
		Value:     resp.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(resp.ExpireIn) * time.Second),
	}, nil
}
