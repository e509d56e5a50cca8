package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadConfigDefaults(t *testing.T) {
	var c Config
	require.NoError(t, loadConfig(newFlagSet(&c), &c, nil))
	assert.Equal(t, "/run/connexions.sock", c.UnixSocket)
	assert.Equal(t, 256, c.QueueDepth)
	assert.Equal(t, 30*time.Second, c.CleanupInterval)
	mode, err := c.socketMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), mode)
}

func TestLoadConfigFileOverlayFlagsWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	writeFile(t, path, "tcp: 127.0.0.1:7000\nconnect_rate: 50\nchannel_rate: 3\nmax_buffer: 1024\n")

	var c Config
	fs := newFlagSet(&c)
	require.NoError(t, loadConfig(fs, &c, []string{"--config", path, "--connect-rate", "5"}))
	assert.Equal(t, "127.0.0.1:7000", c.TCPAddr)
	assert.Equal(t, 5, c.ConnectRate)
	assert.Equal(t, 3, c.ChannelRate)
	assert.Equal(t, int64(1024), c.MaxBuffer)
}

func TestLoadConfigErrors(t *testing.T) {
	var c Config
	err := loadConfig(newFlagSet(&c), &c, []string{"--unix="})
	assert.ErrorContains(t, err, "no control listener")

	var c2 Config
	err = loadConfig(newFlagSet(&c2), &c2, []string{"--unix-mode", "9x"})
	assert.ErrorContains(t, err, "invalid unix mode")

	var c3 Config
	err = loadConfig(newFlagSet(&c3), &c3, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "tcp: [unterminated\n")
	var c4 Config
	err = loadConfig(newFlagSet(&c4), &c4, []string{"--config", path})
	assert.ErrorContains(t, err, "parse config")
}

func TestReloadableKeepsExplicitFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	writeFile(t, path, "debug: false\nconnect_rate: 1\n")

	var c Config
	fs := newFlagSet(&c)
	require.NoError(t, loadConfig(fs, &c, []string{"--config", path, "--debug"}))
	require.True(t, c.Debug)

	writeFile(t, path, "debug: false\nconnect_rate: 7\nchannel_rate: 2\ntcp: 0.0.0.0:1\n")
	next, err := reloadable(fs, c, path)
	require.NoError(t, err)
	assert.True(t, next.Debug)
	assert.Equal(t, 7, next.ConnectRate)
	assert.Equal(t, 2, next.ChannelRate)
	assert.Empty(t, next.TCPAddr, "listeners are not reloadable")
}

func TestWatchConfigAppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	writeFile(t, path, "connect_rate: 1\n")

	var c Config
	fs := newFlagSet(&c)
	require.NoError(t, loadConfig(fs, &c, []string{"--config", path}))

	var rate atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchConfig(ctx, fs, c, func(next Config) { rate.Store(int64(next.ConnectRate)) })
	}()

	// The watcher may not be armed yet, so keep rewriting until it fires.
	require.Eventually(t, func() bool {
		writeFile(t, path, "connect_rate: 42\n")
		return rate.Load() == 42
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
