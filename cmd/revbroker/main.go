// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the revbroker process.
// The broker speaks a line-oriented JSON protocol on stdin/stdout and
// forwards each request to the best available reverse-engineering backend.
// Logs never touch stdout; they go to stderr or rotating files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/revlink/revbroker/internal/backend"
	"github.com/revlink/revbroker/internal/buildinfo"
	"github.com/revlink/revbroker/internal/config"
	"github.com/revlink/revbroker/internal/dispatch"
	"github.com/revlink/revbroker/internal/logging"
	"github.com/revlink/revbroker/internal/selector"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".revbroker", "config.yaml")
	}
	return "config.yaml"
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	backendName := flag.String("backend", "", "force a backend (rpc or headless), overriding detection priority")
	detect := flag.Bool("detect", false, "probe all backends, print the results as JSON on stdout, and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("revbroker %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// Optional .env file for the REVB_* overrides.
	_ = godotenv.Load()

	cfg, err := config.LoadConfigOptional(*configPath, true)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	if *backendName != "" {
		if _, ok := backend.ParseKind(*backendName); !ok {
			log.Fatalf("unknown backend %q; valid backends: rpc, headless", *backendName)
		}
		cfg.PreferredBackend = *backendName
	}

	applyLogSettings(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sel := selector.New(cfg)
	defer sel.Shutdown()

	if *detect {
		runDetect(ctx, sel)
		return
	}

	// Live config reload: only log settings apply without a restart.
	watcher, err := config.NewWatcher(*configPath, func(updated *config.Config) {
		applyLogSettings(updated)
		log.Info("configuration reloaded")
	})
	if err != nil {
		log.Warnf("config watcher unavailable: %v", err)
	} else {
		watcher.Start(ctx)
	}

	log.Infof("revbroker %s ready, reading requests from stdin", buildinfo.Version)

	d := dispatch.New(sel, cfg.MaxReadBytes)
	if err := d.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("request loop failed: %v", err)
	}
	log.Info("revbroker shutting down")
}

// runDetect prints probe results for all backends. This is the one mode
// where stdout carries something other than the request protocol.
func runDetect(ctx context.Context, sel *selector.Selector) {
	descriptors := sel.DetectAll(ctx)
	data, err := json.MarshalIndent(descriptors, "", "  ")
	if err != nil {
		log.Fatalf("encode probe results: %v", err)
	}
	fmt.Println(string(data))
}

func applyLogSettings(cfg *config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsMaxTotalSizeMB); err != nil {
		log.Warnf("log output configuration failed: %v", err)
	}
}
