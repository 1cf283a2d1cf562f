// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/revlink/revbroker/internal/backend"
	"github.com/revlink/revbroker/internal/probe"
)

// maxLineBytes bounds one protocol line. Requests are small; the limit
// exists so a runaway client cannot balloon the scanner buffer.
const maxLineBytes = 1 << 20

// AdapterSource provides the adapter requests run against. The selector
// implements it.
type AdapterSource interface {
	Current(ctx context.Context) (backend.Adapter, error)
	Select(ctx context.Context, preference backend.Kind) (backend.Adapter, error)
	Detect(ctx context.Context, kind backend.Kind) probe.Descriptor
	DetectAll(ctx context.Context) []probe.Descriptor
}

// Dispatcher reads requests line by line and answers each before reading
// the next. Ordering is the contract: responses appear in request order,
// always.
type Dispatcher struct {
	src          AdapterSource
	maxReadBytes int
}

// New creates a Dispatcher. maxReadBytes caps the size of read_memory
// requests; zero or negative disables the cap.
func New(src AdapterSource, maxReadBytes int) *Dispatcher {
	return &Dispatcher{src: src, maxReadBytes: maxReadBytes}
}

// Serve runs the request loop until r is exhausted or ctx is cancelled.
// Every inbound line produces exactly one outbound line.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		resp := d.handleLine(ctx, line)
		if err := writeResponse(out, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

// handleLine turns one raw line into one response. Malformed lines still
// get a response so the client never desynchronizes; its request_id is
// null because none could be recovered.
func (d *Dispatcher) handleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		log.Debugf("malformed request line: %v", err)
		return errResponse(nullID(),
			backend.Failf(backend.InvalidRequest, false, "request is not valid JSON: %v", err))
	}
	id := req.ID
	if len(id) == 0 {
		id = nullID()
	}

	payload, failure := d.dispatch(ctx, &req)
	if failure != nil {
		log.WithField("request_id", idForLog(id)).
			Debugf("%s failed: %s", req.Operation, failure.Error())
		return errResponse(id, failure)
	}
	return okResponse(id, payload)
}

// dispatch validates parameters and runs the operation. Validation happens
// strictly before any backend work: an invalid request must never consume
// backend resources.
func (d *Dispatcher) dispatch(ctx context.Context, req *Request) (any, *backend.Failure) {
	switch req.Operation {
	case OpLoadBinary:
		var p loadBinaryParams
		if f := decodeParams(req.Params, &p); f != nil {
			return nil, f
		}
		if p.Path == "" {
			return nil, backend.Failf(backend.InvalidRequest, false, "load_binary requires a path")
		}
		adapter, f := d.adapter(ctx)
		if f != nil {
			return nil, f
		}
		info, err := adapter.LoadBinary(ctx, p.Path)
		if err != nil {
			return nil, backend.AsFailure(err)
		}
		return info, nil

	case OpDecompile:
		addr, f := d.addressParam(req.Params)
		if f != nil {
			return nil, f
		}
		adapter, f := d.adapter(ctx)
		if f != nil {
			return nil, f
		}
		code, err := adapter.Decompile(ctx, addr)
		if err != nil {
			return nil, backend.AsFailure(err)
		}
		return map[string]any{"address": addr, "code": code}, nil

	case OpFunctionInfo:
		addr, f := d.addressParam(req.Params)
		if f != nil {
			return nil, f
		}
		adapter, f := d.adapter(ctx)
		if f != nil {
			return nil, f
		}
		info, err := adapter.FunctionInfo(ctx, addr)
		if err != nil {
			return nil, backend.AsFailure(err)
		}
		return info, nil

	case OpFindReferences:
		addr, f := d.addressParam(req.Params)
		if f != nil {
			return nil, f
		}
		adapter, f := d.adapter(ctx)
		if f != nil {
			return nil, f
		}
		refs, err := adapter.FindReferences(ctx, addr)
		if err != nil {
			return nil, backend.AsFailure(err)
		}
		return map[string]any{"address": addr, "references": refs}, nil

	case OpReadMemory:
		var p readMemoryParams
		if f := decodeParams(req.Params, &p); f != nil {
			return nil, f
		}
		addr, err := backend.ParseAddress(p.Address)
		if err != nil {
			return nil, backend.Failf(backend.InvalidRequest, false, "%v", err)
		}
		if p.Size <= 0 {
			return nil, backend.Failf(backend.InvalidRequest, false,
				"read size must be positive, got %d", p.Size)
		}
		if d.maxReadBytes > 0 && p.Size > d.maxReadBytes {
			return nil, backend.Failf(backend.InvalidRequest, false,
				"read size %d exceeds limit %d", p.Size, d.maxReadBytes)
		}
		adapter, f := d.adapter(ctx)
		if f != nil {
			return nil, f
		}
		data, err := adapter.ReadMemory(ctx, addr, p.Size)
		if err != nil {
			return nil, backend.AsFailure(err)
		}
		return map[string]any{
			"address": addr,
			"size":    len(data),
			"data":    base64.StdEncoding.EncodeToString(data),
		}, nil

	case OpSetBreakpoint:
		var p setBreakpointParams
		if f := decodeParams(req.Params, &p); f != nil {
			return nil, f
		}
		addr, err := backend.ParseAddress(p.Address)
		if err != nil {
			return nil, backend.Failf(backend.InvalidRequest, false, "%v", err)
		}
		kind := backend.BreakpointSoftware
		if p.Kind != "" {
			parsed, ok := backend.ParseBreakpointKind(p.Kind)
			if !ok {
				return nil, backend.Failf(backend.InvalidRequest, false,
					"unknown breakpoint kind %q", p.Kind)
			}
			kind = parsed
		}
		adapter, f := d.adapter(ctx)
		if f != nil {
			return nil, f
		}
		bp, err := adapter.SetBreakpoint(ctx, addr, kind)
		if err != nil {
			return nil, backend.AsFailure(err)
		}
		return bp, nil

	case OpDetectBackends:
		var p detectParams
		if f := decodeParams(req.Params, &p); f != nil {
			return nil, f
		}
		return d.detect(ctx, p)

	case "":
		return nil, backend.Failf(backend.InvalidRequest, false, "request has no operation")
	default:
		return nil, backend.Failf(backend.InvalidRequest, false, "unknown operation %q", req.Operation)
	}
}

func (d *Dispatcher) detect(ctx context.Context, p detectParams) (any, *backend.Failure) {
	var descriptors []probe.Descriptor
	if p.Backend != "" {
		kind, ok := backend.ParseKind(p.Backend)
		if !ok {
			return nil, backend.Failf(backend.InvalidRequest, false, "unknown backend %q", p.Backend)
		}
		descriptors = []probe.Descriptor{d.src.Detect(ctx, kind)}
	} else {
		descriptors = d.src.DetectAll(ctx)
	}

	payload := map[string]any{"backends": descriptors}
	if p.Reselect {
		preference := backend.Kind("")
		if p.Backend != "" {
			preference, _ = backend.ParseKind(p.Backend)
		}
		adapter, err := d.src.Select(ctx, preference)
		if err != nil {
			return nil, backend.AsFailure(err)
		}
		payload["selected"] = adapter.Kind()
	}
	return payload, nil
}

func (d *Dispatcher) adapter(ctx context.Context) (backend.Adapter, *backend.Failure) {
	adapter, err := d.src.Current(ctx)
	if err != nil {
		return nil, backend.AsFailure(err)
	}
	return adapter, nil
}

func (d *Dispatcher) addressParam(raw json.RawMessage) (backend.Address, *backend.Failure) {
	var p addressParams
	if f := decodeParams(raw, &p); f != nil {
		return 0, f
	}
	addr, err := backend.ParseAddress(p.Address)
	if err != nil {
		return 0, backend.Failf(backend.InvalidRequest, false, "%v", err)
	}
	return addr, nil
}

func decodeParams(raw json.RawMessage, into any) *backend.Failure {
	if len(raw) == 0 {
		return backend.Failf(backend.InvalidRequest, false, "missing parameters")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return backend.Failf(backend.InvalidRequest, false, "bad parameters: %v", err)
	}
	return nil
}

// writeResponse emits one response line and flushes immediately: the
// client must see the answer before the next request is read.
func writeResponse(out *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		// Marshalling our own envelope failing is a programming error;
		// still answer something rather than dropping the line.
		data = []byte(`{"request_id":null,"status":"error","error":{"kind":"ProtocolError","message":"response encoding failed","retryable":false}}`)
	}
	if _, err := out.Write(data); err != nil {
		return err
	}
	if err := out.WriteByte('\n'); err != nil {
		return err
	}
	return out.Flush()
}

func nullID() json.RawMessage { return json.RawMessage("null") }

func idForLog(id json.RawMessage) string {
	s := string(id)
	if len(s) > 16 {
		s = s[:16]
	}
	return s
}
