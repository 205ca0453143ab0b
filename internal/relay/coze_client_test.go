package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCozeClientStreamPostsRunRequest(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	var gotBody StreamRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, "event: Message\ndata: {\"content\":\"hi\"}\n\nevent: Done\ndata: {}\n\n")
	}))
	defer server.Close()

	client := NewCozeClient(CozeClientOptions{BaseURL: server.URL + "/", Token: " pat_123 "})
	stream, err := client.Stream(context.Background(), StreamRequest{
		WorkflowID: "wf_1",
		Parameters: map[string]any{"input_url": "https://acme.feishu.cn/docx/abc"},
	})
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "hi", first.Message)
	second, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventDone, second.Kind)
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, cozeStreamRunPath, gotPath)
	assert.Equal(t, "Bearer pat_123", gotAuth)
	assert.Equal(t, "text/event-stream", gotAccept)
	assert.Equal(t, "wf_1", gotBody.WorkflowID)
	assert.Equal(t, "https://acme.feishu.cn/docx/abc", gotBody.Parameters["input_url"])
}

func TestCozeClientResumePostsResumeRequest(t *testing.T) {
	var gotPath string
	var gotBody ResumeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: Message\ndata: {\"content\":\"resumed\"}\n\n")
	}))
	defer server.Close()

	client := NewCozeClient(CozeClientOptions{BaseURL: server.URL, Token: "pat"})
	req := ResumeRequest{WorkflowID: "wf_1", EventID: "e1", ResumeData: "continue", InterruptType: 2}
	stream, err := client.Resume(context.Background(), req)
	require.NoError(t, err)
	defer stream.Close()

	evt, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "resumed", evt.Message)
	assert.Equal(t, cozeStreamResumePath, gotPath)
	assert.Equal(t, req, gotBody)
}

func TestCozeClientDecodesNonStreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":4100,"msg":"authentication is invalid"}`)
	}))
	defer server.Close()

	client := NewCozeClient(CozeClientOptions{BaseURL: server.URL, Token: "pat"})
	_, err := client.Stream(context.Background(), StreamRequest{WorkflowID: "wf_1"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusOK, apiErr.StatusCode)
	assert.Equal(t, 4100, apiErr.Code)
	assert.Equal(t, "authentication is invalid", apiErr.Message)
}

func TestCozeClientDecodesHTTPFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewCozeClient(CozeClientOptions{BaseURL: server.URL, Token: "pat"})
	_, err := client.Stream(context.Background(), StreamRequest{WorkflowID: "wf_1"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestCozeClientValidatesInputBeforeCalling(t *testing.T) {
	client := NewCozeClient(CozeClientOptions{BaseURL: "http://127.0.0.1:0", Token: "pat"})

	_, err := client.Stream(context.Background(), StreamRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = client.Resume(context.Background(), ResumeRequest{WorkflowID: "wf_1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCozeClientUsesTokenProvider(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	client := NewCozeClient(CozeClientOptions{
		BaseURL: server.URL,
		TokenProvider: func(context.Context) (string, error) {
			return "rotated", nil
		},
	})
	stream, err := client.Stream(context.Background(), StreamRequest{WorkflowID: "wf_1"})
	require.NoError(t, err)
	_ = stream.Close()
	assert.Equal(t, "Bearer rotated", gotAuth)

	empty := NewCozeClient(CozeClientOptions{BaseURL: server.URL})
	_, err = empty.Stream(context.Background(), StreamRequest{WorkflowID: "wf_1"})
	assert.Error(t, err)
}

func TestCozeClientBoundsStalledResponseHeaders(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewCozeClient(CozeClientOptions{BaseURL: server.URL, Token: "pat", ResponseHeaderTimeout: 50 * time.Millisecond})
	started := time.Now()
	_, err := client.Stream(context.Background(), StreamRequest{WorkflowID: "wf_1"})
	require.Error(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)

	transport, ok := NewCozeClient(CozeClientOptions{}).httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, defaultCozeResponseHeaderTimeout, transport.ResponseHeaderTimeout)
}
