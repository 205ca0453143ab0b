package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/flowrelay/internal/relay"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocURL = "https://acme.feishu.cn/docx/abcXYZ"

type upstreams struct {
	workflow *httptest.Server
	chat     *httptest.Server
	cards    chan map[string]any
	runs     atomic.Int32
}

// newUpstreams fakes the workflow engine and the chat webhook. A non-empty
// failure makes the workflow stream end with an error event.
func newUpstreams(t *testing.T, failure string) *upstreams {
	t.Helper()
	u := &upstreams{cards: make(chan map[string]any, 8)}
	u.workflow = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.runs.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 0\nevent: Message\ndata: {\"content\":\"output: https://example.com/out/1\"}\n\n")
		if failure != "" {
			fmt.Fprintf(w, "id: 1\nevent: Error\ndata: {\"error_code\":500,\"error_message\":%q}\n\n", failure)
			return
		}
		fmt.Fprint(w, "id: 2\nevent: Done\ndata: {}\n\n")
	}))
	t.Cleanup(u.workflow.Close)
	u.chat = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		u.cards <- payload
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"code":0,"msg":"ok"}`)
	}))
	t.Cleanup(u.chat.Close)
	return u
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func testConfigYAML(u *upstreams, addr, token, extra string) string {
	return fmt.Sprintf(`addr: %q
log_level: debug
workflow:
  base_url: %q
  token: pat_test
  workflow_id: wf_1
chat:
  notify_mode: webhook
  webhook_url: %q
  verification_token: %q
  default_chat_id: oc_default
admin:
  jwt_secret: admin-secret
%s`, addr, u.workflow.URL, u.chat.URL, token, extra)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = newLogger(&buf, "DEBUG", "text")
	require.NoError(t, err)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")

	_, err = newLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestRunCommandExecutesWorkflowOnce(t *testing.T) {
	u := newUpstreams(t, "")
	path := filepath.Join(t.TempDir(), "flowrelay.yaml")
	writeConfig(t, path, testConfigYAML(u, ":0", "tok", ""))

	out := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"run", "-c", path, "please review " + testDocURL + " today"})
	require.NoError(t, cmd.Execute())

	var record relay.RunRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	assert.Equal(t, relay.RunCompleted, record.Status)
	assert.Equal(t, testDocURL, record.InputURL)
	assert.Equal(t, "oc_default", record.ChatID)
	assert.Equal(t, "https://example.com/out/1", record.Output)
	assert.True(t, record.Notified)
	assert.EqualValues(t, 1, u.runs.Load())

	select {
	case card := <-u.cards:
		assert.Equal(t, "interactive", card["msg_type"])
	case <-time.After(time.Second):
		t.Fatal("no card delivered")
	}
}

func TestRunCommandReportsFailedRun(t *testing.T) {
	u := newUpstreams(t, "node crashed")
	path := filepath.Join(t.TempDir(), "flowrelay.yaml")
	writeConfig(t, path, testConfigYAML(u, ":0", "tok", ""))

	out := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"run", "-c", path, "--chat", "oc_ops", testDocURL})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node crashed")

	var record relay.RunRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	assert.Equal(t, relay.RunFailed, record.Status)
	assert.Equal(t, "oc_ops", record.ChatID)

	card := <-u.cards
	inner, _ := card["card"].(map[string]any)
	header, _ := inner["header"].(map[string]any)
	assert.Equal(t, "red", header["template"])
}

func TestRunCommandRejectsInput(t *testing.T) {
	u := newUpstreams(t, "")
	path := filepath.Join(t.TempDir(), "flowrelay.yaml")
	writeConfig(t, path, testConfigYAML(u, ":0", "tok", ""))

	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"run", "-c", path, "no link in here"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no document link")
	assert.EqualValues(t, 0, u.runs.Load())

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	writeConfig(t, empty, "log_level: info\n")
	cmd = newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"run", "-c", empty, testDocURL})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestServeCommandServesAndReloadsToken(t *testing.T) {
	u := newUpstreams(t, "")
	path := filepath.Join(t.TempDir(), "flowrelay.yaml")
	writeConfig(t, path, testConfigYAML(u, "127.0.0.1:0", "first", ""))

	addrCh := make(chan net.Addr, 1)
	opts := &serveOptions{
		rootOptions:     &rootOptions{ConfigPath: path},
		ShutdownTimeout: 5 * time.Second,
		WatchConfig:     true,
		onListen:        func(a net.Addr) { addrCh <- a },
	}
	cmd := &cobra.Command{}
	cmd.SetErr(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx, opts, cmd) }()

	var base string
	select {
	case addr := <-addrCh:
		base = "http://" + addr.String()
	case err := <-errCh:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var seq atomic.Int32
	postWebhook := func(token string) int {
		id := fmt.Sprintf("om_%d", seq.Add(1))
		body := fmt.Sprintf(`{"schema":"2.0","header":{"event_id":"ev_%s","event_type":"im.message.receive_v1","token":%q},"event":{"message":{"message_id":%q,"chat_id":"oc_1","content":"{\"text\":\"hi\"}"}}}`, id, token, id)
		resp, err := http.Post(base+"/webhook", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, postWebhook("first"))
	assert.Equal(t, http.StatusUnauthorized, postWebhook("second"))

	rev := 0
	require.Eventually(t, func() bool {
		rev++
		writeConfig(t, path, testConfigYAML(u, "127.0.0.1:0", "second", fmt.Sprintf("# rev %d\n", rev)))
		return postWebhook("second") == http.StatusOK
	}, 10*time.Second, 200*time.Millisecond)
	assert.Equal(t, http.StatusUnauthorized, postWebhook("first"))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
