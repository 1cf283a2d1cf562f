// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package probe detects which backend engines are present and usable on
// this machine. Each backend is tested through an ordered list of
// independent signals; the first positive signal decides availability and
// is recorded as evidence. Probing is read-only and never mutates system
// state.
package probe

import (
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/revlink/revbroker/internal/backend"
	"github.com/revlink/revbroker/internal/config"
)

// Descriptor is the immutable result of probing one backend kind.
type Descriptor struct {
	Backend   backend.Kind `json:"backend"`
	Available bool         `json:"available"`
	// Evidence lists the signals that justified availability, in the
	// order they fired. Empty when the backend is unavailable.
	Evidence []string `json:"evidence"`
	Version  string   `json:"version,omitempty"`
	// Home is the install root, when a path-based signal located one.
	Home string `json:"home,omitempty"`
}

// Prober evaluates detection signals. All live checks (dials, process
// scans) are bounded by the configured probe timeout; an individual check
// failing or erroring is a negative signal, never a probe failure.
type Prober struct {
	cfg *config.Config

	// Injection points for tests.
	env      func(string) string
	lookPath func(string) (string, error)
	dial     func(network, addr string, timeout time.Duration) (net.Conn, error)
	procRoot string
}

// New creates a Prober backed by the real environment.
func New(cfg *config.Config) *Prober {
	return &Prober{
		cfg:      cfg,
		env:      os.Getenv,
		lookPath: exec.LookPath,
		dial:     net.DialTimeout,
		procRoot: "/proc",
	}
}

type signalCheck struct {
	name string
	// check returns the evidence string for a positive signal. It may
	// fill in Home on the descriptor. Errors are expressed as a negative.
	check func(d *Descriptor) (string, bool)
}

// Probe evaluates the signal list for one backend kind.
func (p *Prober) Probe(kind backend.Kind) Descriptor {
	desc := Descriptor{Backend: kind, Evidence: []string{}}

	for _, sig := range p.signals(kind) {
		evidence, positive := p.runCheck(kind, sig, &desc)
		if positive {
			desc.Available = true
			desc.Evidence = append(desc.Evidence, evidence)
			break
		}
	}

	if desc.Available && desc.Home != "" && desc.Version == "" {
		desc.Version = readVersion(desc.Home)
	}

	log.Debugf("probe %s: available=%v evidence=%v", kind, desc.Available, desc.Evidence)
	return desc
}

// ProbeAll probes every known backend in priority order.
func (p *Prober) ProbeAll() []Descriptor {
	out := make([]Descriptor, 0, len(backend.Kinds))
	for _, kind := range backend.Kinds {
		out = append(out, p.Probe(kind))
	}
	return out
}

// runCheck shields the probe from a misbehaving signal check: a panic is
// swallowed and counted as a negative for that signal only.
func (p *Prober) runCheck(kind backend.Kind, sig signalCheck, desc *Descriptor) (evidence string, positive bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("probe %s signal %s failed: %v", kind, sig.name, r)
			evidence, positive = "", false
		}
	}()
	return sig.check(desc)
}

func (p *Prober) signals(kind backend.Kind) []signalCheck {
	switch kind {
	case backend.BackendRPC:
		return []signalCheck{
			{name: "env", check: p.rpcEnvSignal},
			{name: "install-path", check: p.installPathSignal(kind)},
			{name: "binary", check: p.markerBinarySignal(kind)},
			{name: "endpoint", check: p.rpcEndpointSignal},
			{name: "process", check: p.processSignal(kind)},
		}
	case backend.BackendHeadless:
		return []signalCheck{
			{name: "env", check: p.headlessEnvSignal},
			{name: "install-path", check: p.installPathSignal(kind)},
			{name: "runner", check: p.headlessRunnerSignal},
			{name: "binary", check: p.markerBinarySignal(kind)},
			{name: "process", check: p.processSignal(kind)},
		}
	}
	return nil
}

// rpcEnvSignal treats an explicit endpoint override as an availability
// claim by the operator.
func (p *Prober) rpcEnvSignal(_ *Descriptor) (string, bool) {
	if p.env(config.EnvRPCURL) != "" {
		return "env:" + config.EnvRPCURL, true
	}
	return "", false
}

func (p *Prober) headlessEnvSignal(d *Descriptor) (string, bool) {
	home := p.env(config.EnvHeadlessHome)
	if home == "" {
		return "", false
	}
	if info, err := os.Stat(home); err != nil || !info.IsDir() {
		return "", false
	}
	d.Home = home
	return "env:" + config.EnvHeadlessHome, true
}

func (p *Prober) installPathSignal(kind backend.Kind) func(*Descriptor) (string, bool) {
	return func(d *Descriptor) (string, bool) {
		for _, candidate := range p.installCandidates(kind) {
			expanded, err := expandHome(candidate)
			if err != nil {
				continue
			}
			info, err := os.Stat(expanded)
			if err != nil || !info.IsDir() {
				continue
			}
			d.Home = expanded
			return "install-path:" + expanded, true
		}
		return "", false
	}
}

func (p *Prober) installCandidates(kind backend.Kind) []string {
	var candidates []string
	switch kind {
	case backend.BackendRPC:
		if p.cfg != nil {
			candidates = append(candidates, p.cfg.RPC.InstallPaths...)
		}
	case backend.BackendHeadless:
		if p.cfg != nil {
			if p.cfg.Headless.Home != "" {
				candidates = append(candidates, p.cfg.Headless.Home)
			}
			candidates = append(candidates, p.cfg.Headless.InstallPaths...)
		}
	}
	candidates = append(candidates, wellKnownHomes(kind)...)
	return candidates
}

// headlessRunnerSignal checks for the script-runner executable itself,
// either configured explicitly or under a previously located home.
func (p *Prober) headlessRunnerSignal(d *Descriptor) (string, bool) {
	if p.cfg != nil && p.cfg.Headless.Runner != "" {
		if info, err := os.Stat(p.cfg.Headless.Runner); err == nil && !info.IsDir() {
			return "runner:" + p.cfg.Headless.Runner, true
		}
	}
	return "", false
}

func (p *Prober) markerBinarySignal(kind backend.Kind) func(*Descriptor) (string, bool) {
	return func(d *Descriptor) (string, bool) {
		for _, name := range markerBinaries(kind) {
			path, err := p.lookPath(name)
			if err != nil || path == "" {
				continue
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			if d.Home == "" {
				d.Home = homeFromBinary(abs)
			}
			return "binary:" + name, true
		}
		return "", false
	}
}

// rpcEndpointSignal dials the configured RPC endpoint with a hard timeout.
func (p *Prober) rpcEndpointSignal(_ *Descriptor) (string, bool) {
	addr := endpointAddr(p.cfg)
	if addr == "" {
		return "", false
	}
	conn, err := p.dial("tcp", addr, p.timeout())
	if err != nil {
		return "", false
	}
	_ = conn.Close()
	return "endpoint:" + addr, true
}

// processSignal scans /proc for a live process whose command name matches
// one of the backend's executables. On platforms without /proc it is a
// silent negative. The scan is bounded by the probe timeout.
func (p *Prober) processSignal(kind backend.Kind) func(*Descriptor) (string, bool) {
	return func(_ *Descriptor) (string, bool) {
		deadline := time.Now().Add(p.timeout())
		entries, err := os.ReadDir(p.procRoot)
		if err != nil {
			return "", false
		}
		names := processNames(kind)
		for _, e := range entries {
			if time.Now().After(deadline) {
				return "", false
			}
			if !e.IsDir() || !isNumeric(e.Name()) {
				continue
			}
			comm, err := os.ReadFile(filepath.Join(p.procRoot, e.Name(), "comm"))
			if err != nil {
				// Permission denied on someone else's process is a
				// negative for that entry, not a probe failure.
				continue
			}
			proc := strings.ToLower(strings.TrimSpace(string(comm)))
			for _, want := range names {
				if strings.HasPrefix(proc, want) {
					return "process:" + proc, true
				}
			}
		}
		return "", false
	}
}

func (p *Prober) timeout() time.Duration {
	if p.cfg != nil && p.cfg.ProbeTimeoutMS > 0 {
		return p.cfg.ProbeTimeout()
	}
	return 1500 * time.Millisecond
}

func endpointAddr(cfg *config.Config) string {
	base := ""
	if cfg != nil {
		base = cfg.RPC.BaseURL
	}
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "13337"
	}
	return net.JoinHostPort(host, port)
}

// wellKnownHomes is a variable so tests can pin the candidate list.
var wellKnownHomes = defaultWellKnownHomes

func defaultWellKnownHomes(kind backend.Kind) []string {
	switch kind {
	case backend.BackendRPC:
		if runtime.GOOS == "windows" {
			return []string{
				filepath.Join(os.Getenv("ProgramFiles"), "IDA Pro"),
				filepath.Join(os.Getenv("ProgramFiles(x86)"), "IDA Pro"),
			}
		}
		return []string{"/opt/ida", "/usr/local/ida", "~/ida"}
	case backend.BackendHeadless:
		if runtime.GOOS == "windows" {
			return []string{
				filepath.Join(os.Getenv("ProgramFiles"), "ghidra"),
				`C:\ghidra`,
			}
		}
		return []string{"/opt/ghidra", "/usr/local/ghidra", "~/ghidra"}
	}
	return nil
}

func markerBinaries(kind backend.Kind) []string {
	switch kind {
	case backend.BackendRPC:
		return []string{"ida64", "ida"}
	case backend.BackendHeadless:
		return []string{"pyGhidraRun", "analyzeHeadless", "ghidraRun"}
	}
	return nil
}

func processNames(kind backend.Kind) []string {
	switch kind {
	case backend.BackendRPC:
		return []string{"ida64", "ida"}
	case backend.BackendHeadless:
		return []string{"ghidrarun", "analyzeheadless"}
	}
	return nil
}

// homeFromBinary derives an install root from a binary path. Runners live
// under <home>/support/, tool executables directly under <home>.
func homeFromBinary(binPath string) string {
	dir := filepath.Dir(binPath)
	if filepath.Base(dir) == "support" {
		return filepath.Dir(dir)
	}
	return dir
}

// readVersion extracts the suite version from the application.properties
// marker file shipped at the install root. Best effort only.
func readVersion(home string) string {
	for _, rel := range []string{
		filepath.Join("Ghidra", "application.properties"),
		"application.properties",
	} {
		data, err := os.ReadFile(filepath.Join(home, rel))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "application.version="); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
