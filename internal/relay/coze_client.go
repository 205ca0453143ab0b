package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

type StreamRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Parameters map[string]any `json:"parameters"`
}

type ResumeRequest struct {
	WorkflowID    string `json:"workflow_id"`
	EventID       string `json:"event_id"`
	ResumeData    string `json:"resume_data"`
	InterruptType int    `json:"interrupt_type"`
}

// WorkflowClient opens event streams against the remote workflow engine.
type WorkflowClient interface {
	Stream(ctx context.Context, req StreamRequest) (EventStream, error)
	Resume(ctx context.Context, req ResumeRequest) (EventStream, error)
}

type AccessTokenProvider func(ctx context.Context) (string, error)

type CozeClientOptions struct {
	BaseURL       string
	Token         string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	// ResponseHeaderTimeout bounds the wait for response headers when HTTPClient is
	// nil. Defaults to one minute.
	ResponseHeaderTimeout time.Duration
}

type CozeClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
}

const (
	cozeStreamRunPath    = "/v1/workflow/stream_run"
	cozeStreamResumePath = "/v1/workflow/stream_resume"

	defaultCozeResponseHeaderTimeout = time.Minute
)

func NewCozeClient(opts CozeClientOptions) *CozeClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.coze.cn"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Streams may legitimately stay open for minutes; callers bound them by context.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
		if transport.ResponseHeaderTimeout <= 0 {
			transport.ResponseHeaderTimeout = defaultCozeResponseHeaderTimeout
		}
		httpClient = &http.Client{Transport: transport}
	}
	tokenProvider := opts.TokenProvider
	if tokenProvider == nil {
		token := strings.TrimSpace(opts.Token)
		tokenProvider = func(context.Context) (string, error) {
			return token, nil
		}
	}
	return &CozeClient{
		baseURL:       baseURL,
		tokenProvider: tokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

func (c *CozeClient) Stream(ctx context.Context, req StreamRequest) (EventStream, error) {
	if strings.TrimSpace(req.WorkflowID) == "" {
		return nil, fmt.Errorf("%w: workflow id is required", ErrInvalidInput)
	}
	return c.open(ctx, cozeStreamRunPath, req)
}

func (c *CozeClient) Resume(ctx context.Context, req ResumeRequest) (EventStream, error) {
	if strings.TrimSpace(req.WorkflowID) == "" || strings.TrimSpace(req.EventID) == "" {
		return nil, fmt.Errorf("%w: workflow id and event id are required", ErrInvalidInput)
	}
	return c.open(ctx, cozeStreamResumePath, req)
}

func (c *CozeClient) open(ctx context.Context, path string, payload any) (EventStream, error) {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("workflow api token is empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open workflow stream: %w", err)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && mediaType == "text/event-stream" {
		return newSSEStream(resp.Body), nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return nil, decodeAPIError(resp.StatusCode, respBody)
}

// decodeAPIError turns a non-stream response into an APIError. The engine reports
// failures such as bad tokens as a JSON body {"code": ..., "msg": ...}.
func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		if strings.TrimSpace(parsed.Msg) != "" {
			apiErr.Message = parsed.Msg
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = "unexpected non-stream response"
	}
	return apiErr
}
