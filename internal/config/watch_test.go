package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "chat:\n  verification_token: first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, nil, func(cfg Config) { changes <- cfg })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("chat:\n  verification_token: second\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "second", cfg.Chat.VerificationToken)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestWatchRequiresExistingFile(t *testing.T) {
	err := Watch(context.Background(), t.TempDir()+"/missing.yaml", 0, nil, func(Config) {})
	require.Error(t, err)
}
