// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package headless

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/revlink/revbroker/internal/backend"
	"github.com/revlink/revbroker/internal/config"
	"github.com/revlink/revbroker/internal/probe"
)

// Adapter runs one engine process per operation. It holds no session with
// the engine; Connected reflects only whether the runner has been verified
// with a ping script. Loaded binaries persist in the engine's project
// store, so they survive across processes and broker restarts.
type Adapter struct {
	runner     string
	home       string
	projectDir string
	project    string
	timeout    time.Duration
	preview    int
	session    string

	mu        sync.Mutex
	tempDir   string
	connected bool
	binary    string
}

var _ backend.Adapter = (*Adapter)(nil)

// New builds the adapter from configuration plus what detection learned.
// The probe's install root fills in anything the config leaves blank.
func New(cfg *config.Config, desc probe.Descriptor) *Adapter {
	home := cfg.Headless.Home
	if home == "" {
		home = desc.Home
	}
	runner := cfg.Headless.Runner
	if runner == "" {
		runner = resolveRunner(home)
	}
	projectDir := cfg.Headless.ProjectDir
	if projectDir == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			projectDir = filepath.Join(userHome, ".revbroker", "projects")
		} else {
			projectDir = filepath.Join(os.TempDir(), "revbroker-projects")
		}
	}
	preview := cfg.Headless.OutputPreviewBytes
	if preview <= 0 {
		preview = 256
	}
	return &Adapter{
		runner:     runner,
		home:       home,
		projectDir: projectDir,
		project:    cfg.Headless.ProjectName,
		timeout:    cfg.ScriptTimeout(),
		preview:    preview,
		session:    uuid.NewString()[:8],
	}
}

// resolveRunner locates the script-runner executable under the install
// root's support directory.
func resolveRunner(home string) string {
	if home == "" {
		return ""
	}
	names := []string{"pyGhidraRun", "analyzeHeadless"}
	if runtime.GOOS == "windows" {
		names = []string{"pyGhidraRun.bat", "analyzeHeadless.bat"}
	}
	for _, name := range names {
		candidate := filepath.Join(home, "support", name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func (a *Adapter) Kind() backend.Kind { return backend.BackendHeadless }

// Connect verifies the runner exists and answers a ping script. A missing
// runner fails fast without spawning anything.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.runner == "" {
		return backend.Failf(backend.ToolNotFound, false,
			"no script runner found; set headless.runner or %s", config.EnvHeadlessRunner)
	}
	if info, err := os.Stat(a.runner); err != nil || info.IsDir() {
		return backend.Failf(backend.ToolNotFound, false, "script runner %s does not exist", a.runner)
	}

	if a.tempDir == "" {
		dir, err := os.MkdirTemp("", "revbroker-scripts-*")
		if err != nil {
			return backend.Failf(backend.ConnectionError, true, "create script directory: %v", err)
		}
		a.tempDir = dir
	}

	if _, err := a.execute(ctx, opPing, newParams()); err != nil {
		return err
	}

	a.connected = true
	log.WithField("session", a.session).Infof("headless runner verified: %s", a.runner)
	return nil
}

// Disconnect drops the verified flag and removes the script directory.
// There is no engine session to tear down.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connected = false
	if a.tempDir != "" {
		if err := os.RemoveAll(a.tempDir); err != nil {
			log.Warnf("script directory cleanup failed: %v", err)
		}
		a.tempDir = ""
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// LoadBinary imports the binary into the engine's project store, where it
// stays available to later operations and later broker runs.
func (a *Adapter) LoadBinary(ctx context.Context, path string) (*backend.LoadInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, backend.Failf(backend.InvalidRequest, false, "binary %s is not readable: %v", path, err)
	}
	if info.IsDir() {
		return nil, backend.Failf(backend.InvalidRequest, false, "binary %s is a directory", path)
	}
	if err := os.MkdirAll(a.projectDir, 0o755); err != nil {
		return nil, backend.Failf(backend.ConnectionError, true, "create project directory: %v", err)
	}

	a.mu.Lock()
	params := a.baseParams().set("path", path)
	a.mu.Unlock()

	data, err := a.run(ctx, opLoadBinary, params)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.binary = path
	a.mu.Unlock()

	return &backend.LoadInfo{
		Persistent: true,
		Project:    filepath.Join(a.projectDir, a.project),
		Note:       fmt.Sprintf("imported as %s", data.Get("program").String()),
	}, nil
}

func (a *Adapter) Decompile(ctx context.Context, addr backend.Address) (string, error) {
	params, err := a.programParams(addr)
	if err != nil {
		return "", err
	}
	data, err := a.run(ctx, opDecompile, params)
	if err != nil {
		return "", err
	}
	return data.Get("code").String(), nil
}

func (a *Adapter) FunctionInfo(ctx context.Context, addr backend.Address) (*backend.FunctionInfo, error) {
	params, err := a.programParams(addr)
	if err != nil {
		return nil, err
	}
	data, err := a.run(ctx, opFunctionInfo, params)
	if err != nil {
		return nil, err
	}
	entry, err := backend.ParseAddress(data.Get("address").String())
	if err != nil {
		entry = addr
	}
	return &backend.FunctionInfo{
		Name:      data.Get("name").String(),
		Address:   entry,
		Size:      data.Get("size").Uint(),
		Signature: data.Get("signature").String(),
	}, nil
}

func (a *Adapter) FindReferences(ctx context.Context, addr backend.Address) ([]backend.Reference, error) {
	params, err := a.programParams(addr)
	if err != nil {
		return nil, err
	}
	data, err := a.run(ctx, opFindReferences, params)
	if err != nil {
		return nil, err
	}
	refs := make([]backend.Reference, 0)
	for _, item := range data.Get("references").Array() {
		from, err := backend.ParseAddress(item.Get("from").String())
		if err != nil {
			continue
		}
		refs = append(refs, backend.Reference{From: from, Kind: item.Get("type").String()})
	}
	return refs, nil
}

func (a *Adapter) ReadMemory(ctx context.Context, addr backend.Address, size int) ([]byte, error) {
	if size <= 0 {
		return nil, backend.Failf(backend.InvalidRequest, false, "read size must be positive, got %d", size)
	}
	params, err := a.programParams(addr)
	if err != nil {
		return nil, err
	}
	data, err := a.run(ctx, opReadMemory, params.set("size", size))
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(data.Get("bytes").String())
	if err != nil {
		return nil, backend.Failf(backend.ProtocolError, false, "memory payload is not hex: %v", err)
	}
	return raw, nil
}

// SetBreakpoint has no meaning for a static batch engine: there is no
// running target a breakpoint could interrupt.
func (a *Adapter) SetBreakpoint(_ context.Context, _ backend.Address, _ backend.BreakpointKind) (*backend.Breakpoint, error) {
	return nil, backend.Unsupportedf("headless backend performs static analysis only; breakpoints need a live debug session")
}

func (a *Adapter) baseParams() *paramsBuilder {
	return newParams().
		set("project_dir", a.projectDir).
		set("project_name", a.project)
}

// programParams builds parameters for operations that need a loaded binary.
func (a *Adapter) programParams(addr backend.Address) (*paramsBuilder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.binary == "" {
		return nil, backend.Failf(backend.InvalidRequest, false,
			"no binary imported; call load_binary first")
	}
	return a.baseParams().
		set("path", a.binary).
		setAddress("address", addr), nil
}

// run guards execute with the verified-runner check.
func (a *Adapter) run(ctx context.Context, op operation, params *paramsBuilder) (gjson.Result, error) {
	a.mu.Lock()
	ready := a.connected
	a.mu.Unlock()
	if !ready {
		return gjson.Result{}, backend.Failf(backend.ConnectionError, true, "headless runner not verified; connect first")
	}
	return a.execute(ctx, op, params)
}

// execute materializes the script, spawns one runner process with a hard
// deadline, and parses the result line. The script file is removed on every
// path, success or failure.
func (a *Adapter) execute(ctx context.Context, op operation, params *paramsBuilder) (gjson.Result, error) {
	source, err := renderScript(op, params)
	if err != nil {
		return gjson.Result{}, backend.Failf(backend.InvalidRequest, false, "%v", err)
	}

	a.mu.Lock()
	dir := a.tempDir
	a.mu.Unlock()
	if dir == "" {
		dir = os.TempDir()
	}
	scriptPath := filepath.Join(dir, fmt.Sprintf("revb-%s-%s.py", op, uuid.NewString()[:8]))
	if err := os.WriteFile(scriptPath, []byte(source), 0o600); err != nil {
		return gjson.Result{}, backend.Failf(backend.ConnectionError, true, "write script: %v", err)
	}
	defer func() {
		if err := os.Remove(scriptPath); err != nil && !os.IsNotExist(err) {
			log.Warnf("script cleanup failed: %v", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.runner, scriptPath)
	if a.home != "" {
		cmd.Dir = a.home
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	log.WithField("session", a.session).Debugf("script %s finished in %s (err=%v)", op, time.Since(start).Round(time.Millisecond), runErr)

	if runCtx.Err() == context.DeadlineExceeded {
		return gjson.Result{}, backend.Failf(backend.Timeout, true,
			"%s script exceeded %s and was terminated", op, a.timeout)
	}
	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		return gjson.Result{}, backend.Failf(backend.ToolNotFound, false, "script runner failed to start: %v", runErr)
	}

	// A nonzero exit alone is not conclusive: scripts exit nonzero after
	// emitting a well-formed error line. Parse output first.
	line, ok := lastJSONLine(stdout.Bytes())
	if !ok {
		return gjson.Result{}, backend.Failf(backend.ProtocolError, false,
			"%s script produced no result line; output: %s", op, a.outputPreview(&stdout, &stderr))
	}

	doc := gjson.ParseBytes(line)
	if doc.Get("status").String() != "success" {
		msg := doc.Get("error").String()
		if msg == "" {
			msg = "script reported failure without detail"
		}
		return gjson.Result{}, backend.Failf(backend.InvalidRequest, false, "%s failed: %s", op, msg)
	}
	return doc.Get("data"), nil
}

// lastJSONLine scans stdout bottom-up for the last line that parses as a
// JSON object. Engine banners and analysis logs precede it.
func lastJSONLine(output []byte) ([]byte, bool) {
	lines := bytes.Split(output, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if gjson.ValidBytes(line) {
			return line, true
		}
	}
	return nil, false
}

// outputPreview attaches a bounded slice of raw subprocess output to
// protocol failures. Stdout wins; stderr is the fallback.
func (a *Adapter) outputPreview(stdout, stderr *bytes.Buffer) string {
	raw := strings.TrimSpace(stdout.String())
	if raw == "" {
		raw = strings.TrimSpace(stderr.String())
	}
	if raw == "" {
		return "(empty)"
	}
	if len(raw) > a.preview {
		raw = raw[:a.preview] + "..."
	}
	return raw
}
