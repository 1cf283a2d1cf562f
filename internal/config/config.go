// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the revbroker
// process. It loads YAML configuration files, applies environment-variable
// overrides, and exposes structured access to broker, probe, and
// per-backend settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honored as overrides. The two backend override
// variables double as detection signals: setting one is an explicit claim
// that the backend is installed at the given location.
const (
	EnvPreferredBackend = "REVB_PREFERRED_BACKEND"
	EnvRPCURL           = "REVB_RPC_URL"
	EnvHeadlessHome     = "REVB_HEADLESS_HOME"
	EnvHeadlessRunner   = "REVB_HEADLESS_RUNNER"
	EnvDebug            = "REVB_DEBUG"
)

// Config is the application configuration, loaded from a YAML file with
// environment overrides applied on top.
type Config struct {
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches logs from stderr to rotating files. Stdout is
	// never used for logs; it carries the request/response protocol.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogsMaxTotalSizeMB limits the total size (in MB) of files under the
	// logs directory; the oldest files are removed when exceeded. 0 disables.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb"`

	// PreferredBackend names the backend to probe first ("rpc" or
	// "headless"). Empty means probe all backends in priority order.
	PreferredBackend string `yaml:"preferred-backend"`

	// ProbeTimeoutMS bounds every individual live detection check
	// (endpoint dials, process scans). No signal check may hang.
	ProbeTimeoutMS int `yaml:"probe-timeout-ms"`

	// MaxReadBytes caps the size parameter of ReadMemory requests.
	MaxReadBytes int `yaml:"max-read-bytes"`

	RPC      RPCConfig      `yaml:"rpc"`
	Headless HeadlessConfig `yaml:"headless"`
}

// RPCConfig configures the persistent-session backend adapter.
type RPCConfig struct {
	// BaseURL is the backend's always-on RPC endpoint.
	BaseURL string `yaml:"base-url"`

	// CallTimeoutSeconds bounds a single request/response exchange.
	CallTimeoutSeconds int `yaml:"call-timeout-seconds"`

	// InstallPaths extends the well-known install locations probed for
	// this backend.
	InstallPaths []string `yaml:"install-paths"`
}

// HeadlessConfig configures the ephemeral-process backend adapter.
type HeadlessConfig struct {
	// Home is the suite's install root. Overrides detection.
	Home string `yaml:"home"`

	// Runner is the script-runner executable. When empty it is resolved
	// under Home's support directory.
	Runner string `yaml:"runner"`

	// ProjectDir and ProjectName locate the persistent project store that
	// LoadBinary imports into.
	ProjectDir  string `yaml:"project-dir"`
	ProjectName string `yaml:"project-name"`

	// ScriptTimeoutSeconds bounds each spawned script run; on expiry the
	// subprocess is forcibly terminated.
	ScriptTimeoutSeconds int `yaml:"script-timeout-seconds"`

	// OutputPreviewBytes is how much raw subprocess output is attached to
	// a ProtocolError for diagnosis.
	OutputPreviewBytes int `yaml:"output-preview-bytes"`

	// InstallPaths extends the well-known install locations probed for
	// this backend.
	InstallPaths []string `yaml:"install-paths"`
}

// Default returns the configuration used when no file and no overrides are
// present. The broker works out of the box against a local RPC endpoint.
func Default() *Config {
	return &Config{
		ProbeTimeoutMS: 1500,
		MaxReadBytes:   64 * 1024,
		RPC: RPCConfig{
			BaseURL:            "http://127.0.0.1:13337",
			CallTimeoutSeconds: 30,
		},
		Headless: HeadlessConfig{
			ProjectName:          "revbroker",
			ScriptTimeoutSeconds: 30,
			OutputPreviewBytes:   256,
		},
	}
}

// LoadConfig reads YAML from configFile and applies environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile. If optional is true and the
// file is missing, defaults plus environment overrides are returned instead
// of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Absent keys keep defaults; only keys present in the file override.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPreferredBackend); v != "" {
		c.PreferredBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.RPC.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(EnvHeadlessHome); v != "" {
		c.Headless.Home = v
	}
	if v := os.Getenv(EnvHeadlessRunner); v != "" {
		c.Headless.Runner = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

func (c *Config) validate() error {
	if c.ProbeTimeoutMS <= 0 {
		return fmt.Errorf("config: probe-timeout-ms must be positive, got %d", c.ProbeTimeoutMS)
	}
	if c.MaxReadBytes <= 0 {
		return fmt.Errorf("config: max-read-bytes must be positive, got %d", c.MaxReadBytes)
	}
	if c.RPC.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("config: rpc.call-timeout-seconds must be positive, got %d", c.RPC.CallTimeoutSeconds)
	}
	if c.Headless.ScriptTimeoutSeconds <= 0 {
		return fmt.Errorf("config: headless.script-timeout-seconds must be positive, got %d", c.Headless.ScriptTimeoutSeconds)
	}
	return nil
}

// ProbeTimeout returns the bound applied to each individual detection check.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// RPCCallTimeout bounds one RPC request/response exchange.
func (c *Config) RPCCallTimeout() time.Duration {
	return time.Duration(c.RPC.CallTimeoutSeconds) * time.Second
}

// ScriptTimeout bounds one headless script execution.
func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.Headless.ScriptTimeoutSeconds) * time.Second
}
