// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selector decides which backend adapter handles requests. It runs
// detection, constructs the adapter for the best available backend, and
// holds the single active adapter for the broker's lifetime.
package selector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/revlink/revbroker/internal/backend"
	"github.com/revlink/revbroker/internal/backend/headless"
	"github.com/revlink/revbroker/internal/backend/rpc"
	"github.com/revlink/revbroker/internal/config"
	"github.com/revlink/revbroker/internal/probe"
)

// Factory builds an adapter for one backend kind, informed by what the
// probe learned about the installation.
type Factory func(cfg *config.Config, desc probe.Descriptor) (backend.Adapter, error)

// Prober is the detection surface the selector needs.
type Prober interface {
	Probe(kind backend.Kind) probe.Descriptor
	ProbeAll() []probe.Descriptor
}

// Selector holds at most one active adapter. Selection is lazy: the first
// Current call probes and connects; afterwards the cached result (adapter
// or failure) is returned until an explicit Select.
type Selector struct {
	cfg       *config.Config
	prober    Prober
	factories map[backend.Kind]Factory

	mu          sync.Mutex
	active      backend.Adapter
	unavailable *backend.Failure
}

// New wires the selector with the real prober and the real adapter
// factories.
func New(cfg *config.Config) *Selector {
	return &Selector{
		cfg:    cfg,
		prober: probe.New(cfg),
		factories: map[backend.Kind]Factory{
			backend.BackendRPC: func(cfg *config.Config, _ probe.Descriptor) (backend.Adapter, error) {
				return rpc.New(cfg), nil
			},
			backend.BackendHeadless: func(cfg *config.Config, desc probe.Descriptor) (backend.Adapter, error) {
				return headless.New(cfg, desc), nil
			},
		},
	}
}

// Current returns the active adapter, performing the initial selection on
// first use. A cached no-backend failure is returned as-is: availability is
// not re-checked until the caller asks for a new Select.
func (s *Selector) Current(ctx context.Context) (backend.Adapter, error) {
	s.mu.Lock()
	if s.active != nil {
		a := s.active
		s.mu.Unlock()
		return a, nil
	}
	if s.unavailable != nil {
		f := s.unavailable
		s.mu.Unlock()
		return nil, f
	}
	s.mu.Unlock()

	return s.Select(ctx, s.preference())
}

// Select re-runs detection and switches the active adapter. With a
// preference only that backend is considered; otherwise backends are tried
// in priority order. The previous adapter is torn down before the new one
// connects, so at most one adapter is ever live.
func (s *Selector) Select(ctx context.Context, preference backend.Kind) (backend.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if err := s.active.Disconnect(); err != nil {
			log.Warnf("teardown of %s adapter failed: %v", s.active.Kind(), err)
		}
		s.active = nil
	}
	s.unavailable = nil

	candidates := backend.Kinds
	if preference != "" {
		candidates = []backend.Kind{preference}
	}

	var reasons []string
	for _, kind := range candidates {
		desc := s.prober.Probe(kind)
		if !desc.Available {
			reasons = append(reasons, fmt.Sprintf("%s: not detected", kind))
			continue
		}
		factory, ok := s.factories[kind]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: no adapter registered", kind))
			continue
		}
		adapter, err := factory(s.cfg, desc)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		if err := adapter.Connect(ctx); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		log.Infof("selected %s backend (evidence: %s)", kind, strings.Join(desc.Evidence, ", "))
		s.active = adapter
		return adapter, nil
	}

	detail := "no backends were considered"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, "; ")
	}
	s.unavailable = backend.Failf(backend.NoBackendAvailable, false,
		"no backend available (%s); install a supported engine or set %s / %s",
		detail, config.EnvRPCURL, config.EnvHeadlessHome)
	return nil, s.unavailable
}

// Detect probes one backend without changing the active selection.
func (s *Selector) Detect(_ context.Context, kind backend.Kind) probe.Descriptor {
	return s.prober.Probe(kind)
}

// DetectAll probes every backend without changing the active selection.
func (s *Selector) DetectAll(_ context.Context) []probe.Descriptor {
	return s.prober.ProbeAll()
}

// Shutdown tears down the active adapter, if any.
func (s *Selector) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if err := s.active.Disconnect(); err != nil {
			log.Warnf("shutdown of %s adapter failed: %v", s.active.Kind(), err)
		}
		s.active = nil
	}
}

func (s *Selector) preference() backend.Kind {
	if s.cfg == nil || s.cfg.PreferredBackend == "" {
		return ""
	}
	kind, ok := backend.ParseKind(s.cfg.PreferredBackend)
	if !ok {
		log.Warnf("ignoring unknown preferred backend %q", s.cfg.PreferredBackend)
		return ""
	}
	return kind
}
