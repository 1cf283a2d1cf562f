// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import "context"

// Kind identifies a backend engine by its execution model.
type Kind string

const (
	// BackendRPC is the engine reached through a persistent network RPC
	// session that holds analysis state across calls.
	BackendRPC Kind = "rpc"
	// BackendHeadless is the engine with no resident service; every
	// operation runs a one-shot script in a spawned process.
	BackendHeadless Kind = "headless"
)

// Kinds lists all known backends in selection priority order.
var Kinds = []Kind{BackendRPC, BackendHeadless}

// ParseKind maps a caller-supplied backend name onto the closed enum.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case BackendRPC, BackendHeadless:
		return Kind(s), true
	}
	return "", false
}

// BreakpointKind enumerates the breakpoint types a debugger-capable backend
// may support.
type BreakpointKind string

const (
	BreakpointSoftware BreakpointKind = "software"
	BreakpointHardware BreakpointKind = "hardware"
	BreakpointRead     BreakpointKind = "read"
	BreakpointWrite    BreakpointKind = "write"
	BreakpointExecute  BreakpointKind = "execute"
)

func ParseBreakpointKind(s string) (BreakpointKind, bool) {
	switch BreakpointKind(s) {
	case BreakpointSoftware, BreakpointHardware, BreakpointRead, BreakpointWrite, BreakpointExecute:
		return BreakpointKind(s), true
	}
	return "", false
}

// FunctionInfo describes the function containing an address.
type FunctionInfo struct {
	Name      string  `json:"name"`
	Address   Address `json:"address"`
	Size      uint64  `json:"size"`
	Signature string  `json:"signature,omitempty"`
}

// Reference is one cross-reference to an address.
type Reference struct {
	From Address `json:"from"`
	Kind string  `json:"kind,omitempty"`
}

// LoadInfo reports the outcome of LoadBinary. Persistent is a caller-visible
// contract: true means the binary remains available to subsequent calls,
// false means it must be re-specified per call.
type LoadInfo struct {
	Persistent bool   `json:"persistent"`
	Project    string `json:"project,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Breakpoint describes a breakpoint the backend accepted.
type Breakpoint struct {
	Address Address        `json:"address"`
	Kind    BreakpointKind `json:"kind"`
}

// Adapter is the common operation set every backend adapter implements.
// Operations a backend cannot honor return a Failure with kind Unsupported;
// adapters never panic on unsupported operations.
type Adapter interface {
	Kind() Kind
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	LoadBinary(ctx context.Context, path string) (*LoadInfo, error)
	Decompile(ctx context.Context, addr Address) (string, error)
	FunctionInfo(ctx context.Context, addr Address) (*FunctionInfo, error)
	FindReferences(ctx context.Context, addr Address) ([]Reference, error)
	ReadMemory(ctx context.Context, addr Address, size int) ([]byte, error)
	SetBreakpoint(ctx context.Context, addr Address, kind BreakpointKind) (*Breakpoint, error)
}
