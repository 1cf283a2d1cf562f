// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "http://127.0.0.1:13337", cfg.RPC.BaseURL)
	require.Equal(t, 64*1024, cfg.MaxReadBytes)
	require.Equal(t, 1500*time.Millisecond, cfg.ProbeTimeout())
	require.Equal(t, 30*time.Second, cfg.RPCCallTimeout())
	require.Equal(t, 30*time.Second, cfg.ScriptTimeout())
	require.Equal(t, "revbroker", cfg.Headless.ProjectName)
	require.Equal(t, 256, cfg.Headless.OutputPreviewBytes)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
debug: true
preferred-backend: headless
max-read-bytes: 4096
rpc:
  base-url: "http://127.0.0.1:9999"
headless:
  home: /opt/resuite
  script-timeout-seconds: 5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.Debug)
	require.Equal(t, "headless", cfg.PreferredBackend)
	require.Equal(t, 4096, cfg.MaxReadBytes)
	require.Equal(t, "http://127.0.0.1:9999", cfg.RPC.BaseURL)
	require.Equal(t, "/opt/resuite", cfg.Headless.Home)
	require.Equal(t, 5*time.Second, cfg.ScriptTimeout())

	// Absent keys keep defaults.
	require.Equal(t, 30*time.Second, cfg.RPCCallTimeout())
	require.Equal(t, 1500, cfg.ProbeTimeoutMS)
}

func TestLoadConfigOptionalMissingFile(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "nope.yaml"), true)
	require.NoError(t, err)
	require.Equal(t, Default().RPC.BaseURL, cfg.RPC.BaseURL)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	for _, content := range []string{
		"max-read-bytes: 0",
		"probe-timeout-ms: -5",
		"rpc:\n  call-timeout-seconds: 0",
		"headless:\n  script-timeout-seconds: -1",
	} {
		_, err := LoadConfig(writeConfig(t, content))
		require.Error(t, err, content)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPreferredBackend, "RPC")
	t.Setenv(EnvRPCURL, "http://127.0.0.1:4444/")
	t.Setenv(EnvHeadlessHome, "/srv/resuite")
	t.Setenv(EnvHeadlessRunner, "/srv/resuite/support/headlessRun")
	t.Setenv(EnvDebug, "true")

	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "nope.yaml"), true)
	require.NoError(t, err)
	require.Equal(t, "rpc", cfg.PreferredBackend)
	require.Equal(t, "http://127.0.0.1:4444", cfg.RPC.BaseURL, "trailing slash trimmed")
	require.Equal(t, "/srv/resuite", cfg.Headless.Home)
	require.Equal(t, "/srv/resuite/support/headlessRun", cfg.Headless.Runner)
	require.True(t, cfg.Debug)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv(EnvRPCURL, "http://127.0.0.1:5555")
	path := writeConfig(t, `rpc:
  base-url: "http://127.0.0.1:1111"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:5555", cfg.RPC.BaseURL)
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "debug: false\n")

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.True(t, cfg.Debug)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}
}
