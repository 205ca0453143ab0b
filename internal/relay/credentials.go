package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	tenantTokenPath       = "/auth/v3/tenant_access_token/internal"
	credentialMargin      = 300 * time.Second
	defaultCredentialTTL  = 7000 * time.Second
	defaultChatAPIBaseURL = "https://open.feishu.cn/open-apis"
	defaultHTTPTimeout    = 10 * time.Second
)

// Credential is a cached tenant access token.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

type CredentialCacheOptions struct {
	BaseURL    string
	AppID      string
	AppSecret  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// CredentialCache hands out a tenant access token, refreshing it from the chat
// platform once it is within five minutes of expiry. Concurrent refreshes collapse
// into one request.
type CredentialCache struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	current Credential
	flight  singleflight.Group
}

func NewCredentialCache(opts CredentialCacheOptions) *CredentialCache {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultChatAPIBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialCache{
		baseURL:    baseURL,
		appID:      strings.TrimSpace(opts.AppID),
		appSecret:  strings.TrimSpace(opts.AppSecret),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *CredentialCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	cred := c.current
	c.mu.RUnlock()
	if cred.Token != "" && c.now().Before(cred.ExpiresAt) {
		return cred.Token, nil
	}
	v, err, _ := c.flight.Do("tenant_access_token", func() (any, error) {
		c.mu.RLock()
		cred := c.current
		c.mu.RUnlock()
		if cred.Token != "" && c.now().Before(cred.ExpiresAt) {
			return cred.Token, nil
		}
		fresh, err := c.refresh(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.current = fresh
		c.mu.Unlock()
		return fresh.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next Get refreshes it.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	c.current = Credential{}
	c.mu.Unlock()
}

func (c *CredentialCache) refresh(ctx context.Context) (Credential, error) {
	if c.appID == "" || c.appSecret == "" {
		return Credential{}, fmt.Errorf("%w: app id and app secret are required", ErrInvalidInput)
	}
	body, err := json.Marshal(map[string]string{"app_id": c.appID, "app_secret": c.appSecret})
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tenantTokenPath, bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	issuedAt := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request tenant access token: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Credential{}, err
	}
	var parsed struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int64  `json:"expire"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Credential{}, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || parsed.Code != 0 || parsed.TenantAccessToken == "" {
		return Credential{}, &APIError{StatusCode: resp.StatusCode, Code: parsed.Code, Message: parsed.Msg}
	}
	ttl := time.Duration(parsed.Expire) * time.Second
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	c.logger.Info("refreshed tenant access token", "expires_in", ttl)
	return Credential{
		Token:     parsed.TenantAccessToken,
		ExpiresAt: issuedAt.Add(ttl - credentialMargin),
	}, nil
}
