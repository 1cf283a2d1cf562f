// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/revlink/revbroker/internal/backend"
	"github.com/revlink/revbroker/internal/config"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateDegraded
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Adapter owns the one outbound session to the RPC backend. All operation
// calls are serialized: one in-flight exchange per session, later calls
// queue in arrival order. After a transport failure the session is marked
// degraded and the next call attempts exactly one silent reconnect before
// executing.
type Adapter struct {
	mu      sync.Mutex
	state   connState
	client  *client
	session string
}

var _ backend.Adapter = (*Adapter)(nil)

// New builds the adapter; no connection is attempted until Connect.
func New(cfg *config.Config) *Adapter {
	base := strings.TrimRight(cfg.RPC.BaseURL, "/")
	if base == "" {
		base = config.Default().RPC.BaseURL
	}
	return &Adapter{
		client: &client{
			baseURL: base,
			http:    &http.Client{Timeout: cfg.RPCCallTimeout()},
		},
		session: uuid.NewString()[:8],
	}
}

func (a *Adapter) Kind() backend.Kind { return backend.BackendRPC }

// Connect performs a metadata round-trip before declaring the session
// usable. Failure leaves the adapter disconnected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == stateConnected {
		return nil
	}
	a.state = stateConnecting

	meta, err := a.client.call(ctx, "get_metadata", nil)
	if err != nil {
		a.state = stateDisconnected
		return backend.Failf(backend.ConnectionError, true,
			"rpc endpoint %s is not answering: %v", a.client.baseURL, err)
	}

	a.state = stateConnected
	log.WithField("session", a.session).Infof("rpc session connected to %s (module %q)",
		a.client.baseURL, meta.Get("module").String())
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != stateDisconnected {
		log.WithField("session", a.session).Info("rpc session closed")
	}
	a.state = stateDisconnected
	return nil
}

// Connected reports whether a session exists. A degraded session counts:
// it heals itself on the next call.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateConnected || a.state == stateDegraded
}

// do runs one operation exchange under the session lock, applying the
// degraded-session reconnect policy.
func (a *Adapter) do(ctx context.Context, method string, params []any) (gjson.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case stateDisconnected, stateConnecting:
		return gjson.Result{}, backend.Failf(backend.ConnectionError, true, "rpc session not connected")
	case stateDegraded:
		// At most one silent reconnect attempt per call, never a loop.
		if _, err := a.client.call(ctx, "get_metadata", nil); err != nil {
			return gjson.Result{}, backend.Failf(backend.ConnectionError, true,
				"rpc session reconnect failed: %v", err)
		}
		a.state = stateConnected
		log.WithField("session", a.session).Info("rpc session reconnected")
	}

	res, err := a.client.call(ctx, method, params)
	if err != nil {
		if backend.AsFailure(err).Kind == backend.TransportError {
			a.state = stateDegraded
			log.WithField("session", a.session).Warnf("rpc session degraded: %v", err)
		}
		return gjson.Result{}, err
	}
	return res, nil
}

// LoadBinary is not supported on this backend: the session analyzes the
// database its operator already has open. This asymmetry with the headless
// backend is part of the contract, not an omission.
func (a *Adapter) LoadBinary(_ context.Context, path string) (*backend.LoadInfo, error) {
	return nil, backend.Unsupportedf(
		"rpc session analyzes the database already open in the tool; open %q there instead", path)
}

func (a *Adapter) Decompile(ctx context.Context, addr backend.Address) (string, error) {
	// The backend expects the address as a hex string, not an integer.
	res, err := a.do(ctx, "decompile_function", []any{addr.String()})
	if err != nil {
		return "", err
	}
	if res.Type != gjson.String {
		return "", backend.Failf(backend.ProtocolError, false,
			"decompile_function returned %s, expected code string", res.Type)
	}
	return res.String(), nil
}

func (a *Adapter) FunctionInfo(ctx context.Context, addr backend.Address) (*backend.FunctionInfo, error) {
	res, err := a.do(ctx, "get_function_by_address", []any{uint64(addr)})
	if err != nil {
		return nil, err
	}
	if !res.IsObject() {
		return nil, backend.Failf(backend.ProtocolError, false,
			"get_function_by_address returned %s, expected object", res.Type)
	}
	return &backend.FunctionInfo{
		Name:      res.Get("name").String(),
		Address:   wireAddress(res.Get("address"), addr),
		Size:      res.Get("size").Uint(),
		Signature: res.Get("signature").String(),
	}, nil
}

func (a *Adapter) FindReferences(ctx context.Context, addr backend.Address) ([]backend.Reference, error) {
	res, err := a.do(ctx, "get_xrefs_to", []any{uint64(addr)})
	if err != nil {
		return nil, err
	}
	if !res.IsArray() {
		return nil, backend.Failf(backend.ProtocolError, false,
			"get_xrefs_to returned %s, expected array", res.Type)
	}
	refs := make([]backend.Reference, 0)
	for _, item := range res.Array() {
		if item.IsObject() {
			from := item.Get("address")
			if !from.Exists() {
				from = item.Get("from")
			}
			refs = append(refs, backend.Reference{
				From: wireAddress(from, 0),
				Kind: item.Get("type").String(),
			})
			continue
		}
		refs = append(refs, backend.Reference{From: wireAddress(item, 0)})
	}
	return refs, nil
}

func (a *Adapter) ReadMemory(ctx context.Context, addr backend.Address, size int) ([]byte, error) {
	if size <= 0 {
		return nil, backend.Failf(backend.InvalidRequest, false, "read size must be positive, got %d", size)
	}
	res, err := a.do(ctx, "read_memory_bytes", []any{uint64(addr), size})
	if err != nil {
		return nil, err
	}
	data, ok := decodeBytes(res.String())
	if !ok {
		return nil, backend.Failf(backend.ProtocolError, false,
			"read_memory_bytes payload is neither base64 nor hex")
	}
	return data, nil
}

func (a *Adapter) SetBreakpoint(ctx context.Context, addr backend.Address, kind backend.BreakpointKind) (*backend.Breakpoint, error) {
	if _, err := a.do(ctx, "dbg_set_breakpoint", []any{uint64(addr), string(kind)}); err != nil {
		return nil, err
	}
	return &backend.Breakpoint{Address: addr, Kind: kind}, nil
}

// wireAddress tolerates the two encodings the backend uses for addresses:
// hex strings and plain numbers.
func wireAddress(res gjson.Result, fallback backend.Address) backend.Address {
	switch res.Type {
	case gjson.String:
		s := res.String()
		if a, err := backend.ParseAddress(s); err == nil {
			return a
		}
		if v, err := strconv.ParseUint(s, 16, 64); err == nil {
			return backend.Address(v)
		}
	case gjson.Number:
		return backend.Address(res.Uint())
	}
	return fallback
}

// decodeBytes handles the backend's memory payload, which may be base64 or
// hex depending on plugin version.
func decodeBytes(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []byte{}, true
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, true
	}
	cleaned := strings.TrimPrefix(strings.ToLower(s), "0x")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if data, err := hex.DecodeString(cleaned); err == nil {
		return data, true
	}
	return nil, false
}
