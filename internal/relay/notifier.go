package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Dispatcher delivers a rendered card to a chat. Send reports delivery and never
// returns an error: failures are logged.
type Dispatcher interface {
	Send(ctx context.Context, chatID string, card Card) bool
}

type NotifyMode string

const (
	NotifyWebhook NotifyMode = "webhook"
	NotifyAPI     NotifyMode = "api"
)

type DispatcherOptions struct {
	Mode        NotifyMode
	WebhookURL  string
	BaseURL     string
	Credentials *CredentialCache
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Metrics     *Metrics
}

// NewDispatcher picks the delivery mode once. Webhook mode never touches the
// credential cache.
func NewDispatcher(opts DispatcherOptions) (Dispatcher, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch NotifyMode(strings.ToLower(strings.TrimSpace(string(opts.Mode)))) {
	case NotifyWebhook:
		webhookURL := strings.TrimSpace(opts.WebhookURL)
		if _, err := url.ParseRequestURI(webhookURL); err != nil {
			return nil, fmt.Errorf("%w: webhook url %q", ErrInvalidInput, opts.WebhookURL)
		}
		return &WebhookDispatcher{
			url:        webhookURL,
			httpClient: httpClient,
			logger:     logger.With("notify_mode", string(NotifyWebhook)),
			metrics:    opts.Metrics,
		}, nil
	case NotifyAPI, "":
		if opts.Credentials == nil {
			return nil, fmt.Errorf("%w: api mode requires a credential cache", ErrInvalidInput)
		}
		baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
		if baseURL == "" {
			baseURL = defaultChatAPIBaseURL
		}
		return &APIDispatcher{
			baseURL:     baseURL,
			credentials: opts.Credentials,
			httpClient:  httpClient,
			logger:      logger.With("notify_mode", string(NotifyAPI)),
			metrics:     opts.Metrics,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported notify mode %q", ErrInvalidInput, opts.Mode)
	}
}

type WebhookDispatcher struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
}

// Send posts the card to the bot webhook. The chat is fixed by the webhook, so
// chatID is only logged.
func (d *WebhookDispatcher) Send(ctx context.Context, chatID string, card Card) bool {
	payload := map[string]any{
		"msg_type": "interactive",
		"card":     card,
	}
	var result struct {
		Code       *int   `json:"code"`
		StatusCode *int   `json:"StatusCode"`
		Msg        string `json:"msg"`
	}
	status, err := postJSON(ctx, d.httpClient, d.url, "", payload, &result)
	ok := err == nil && ((result.Code != nil && *result.Code == 0) || (result.StatusCode != nil && *result.StatusCode == 0))
	d.metrics.observeNotification(string(NotifyWebhook), ok)
	if err != nil {
		d.logger.Error("card delivery failed", "chat_id", chatID, "error", err)
		return false
	}
	if !ok {
		d.logger.Error("card rejected", "chat_id", chatID, "status", status, "msg", result.Msg)
		return false
	}
	d.logger.Info("card delivered", "chat_id", chatID, "card_status", card.Status)
	return true
}

type APIDispatcher struct {
	baseURL     string
	credentials *CredentialCache
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *Metrics
}

func (d *APIDispatcher) Send(ctx context.Context, chatID string, card Card) bool {
	ok := d.send(ctx, chatID, card)
	d.metrics.observeNotification(string(NotifyAPI), ok)
	return ok
}

func (d *APIDispatcher) send(ctx context.Context, chatID string, card Card) bool {
	if strings.TrimSpace(chatID) == "" {
		d.logger.Error("card delivery skipped: empty chat id")
		return false
	}
	token, err := d.credentials.Get(ctx)
	if err != nil {
		d.logger.Error("card delivery failed: no access token", "chat_id", chatID, "error", err)
		return false
	}
	content, err := json.Marshal(card)
	if err != nil {
		d.logger.Error("card encoding failed", "chat_id", chatID, "error", err)
		return false
	}
	payload := map[string]string{
		"receive_id": chatID,
		"msg_type":   "interactive",
		"content":    string(content),
	}
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	endpoint := d.baseURL + "/im/v1/messages?receive_id_type=chat_id"
	status, err := postJSON(ctx, d.httpClient, endpoint, token, payload, &result)
	if err != nil {
		d.logger.Error("card delivery failed", "chat_id", chatID, "error", err)
		return false
	}
	if result.Code != 0 {
		d.logger.Error("card rejected", "chat_id", chatID, "status", status, "code", result.Code, "msg", result.Msg)
		return false
	}
	d.logger.Info("card delivered", "chat_id", chatID, "message_id", result.Data.MessageID, "card_status", card.Status)
	return true
}

// postJSON posts payload and decodes a JSON reply into out. Non-2xx statuses are
// errors.
func postJSON(ctx context.Context, client *http.Client, endpoint, bearer string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
