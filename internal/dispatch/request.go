// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatch implements the broker's request loop: JSON lines in on
// stdin, JSON lines out on stdout, processed strictly in arrival order.
package dispatch

import (
	json "github.com/goccy/go-json"

	"github.com/revlink/revbroker/internal/backend"
)

// Operation names a broker request type.
type Operation string

const (
	OpLoadBinary     Operation = "load_binary"
	OpDecompile      Operation = "decompile_function"
	OpFunctionInfo   Operation = "get_function_info"
	OpFindReferences Operation = "find_references"
	OpReadMemory     Operation = "read_memory"
	OpSetBreakpoint  Operation = "set_breakpoint"
	OpDetectBackends Operation = "detect_backends"
)

// Request is one line of the inbound protocol. ID is kept raw so it can be
// echoed back byte-for-byte regardless of its JSON type.
type Request struct {
	ID        json.RawMessage `json:"request_id"`
	Operation Operation       `json:"operation"`
	Params    json.RawMessage `json:"parameters"`
}

type loadBinaryParams struct {
	Path string `json:"path"`
}

type addressParams struct {
	Address string `json:"address"`
}

type readMemoryParams struct {
	Address string `json:"address"`
	Size    int    `json:"size"`
}

type setBreakpointParams struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
}

type detectParams struct {
	// Backend limits detection to one backend kind; empty probes all.
	Backend string `json:"backend"`
	// Reselect makes the broker switch its active backend based on the
	// fresh probe results.
	Reselect bool `json:"reselect"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

// Response is one line of the outbound protocol. Exactly one of Payload
// and Error is set, matching Status.
type Response struct {
	ID      json.RawMessage  `json:"request_id"`
	Status  string           `json:"status"`
	Payload any              `json:"payload,omitempty"`
	Error   *backend.Failure `json:"error,omitempty"`
}

func okResponse(id json.RawMessage, payload any) Response {
	return Response{ID: id, Status: statusOK, Payload: payload}
}

func errResponse(id json.RawMessage, failure *backend.Failure) Response {
	return Response{ID: id, Status: statusError, Error: failure}
}
