// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/revlink/revbroker/internal/backend"
	"github.com/revlink/revbroker/internal/probe"
)

// fakeAdapter counts operation invocations so tests can assert that
// invalid requests never reach the backend.
type fakeAdapter struct {
	backend.Adapter

	calls int
}

func (f *fakeAdapter) Kind() backend.Kind { return backend.BackendRPC }

func (f *fakeAdapter) FunctionInfo(_ context.Context, addr backend.Address) (*backend.FunctionInfo, error) {
	f.calls++
	return &backend.FunctionInfo{Name: "main", Address: addr, Size: 128}, nil
}

func (f *fakeAdapter) Decompile(_ context.Context, addr backend.Address) (string, error) {
	f.calls++
	return "int main(void) { return 0; }", nil
}

func (f *fakeAdapter) FindReferences(_ context.Context, _ backend.Address) ([]backend.Reference, error) {
	f.calls++
	return []backend.Reference{{From: 0x401010, Kind: "call"}}, nil
}

func (f *fakeAdapter) ReadMemory(_ context.Context, _ backend.Address, size int) ([]byte, error) {
	f.calls++
	return bytes.Repeat([]byte{0xab}, size), nil
}

func (f *fakeAdapter) SetBreakpoint(_ context.Context, addr backend.Address, kind backend.BreakpointKind) (*backend.Breakpoint, error) {
	f.calls++
	return &backend.Breakpoint{Address: addr, Kind: kind}, nil
}

func (f *fakeAdapter) LoadBinary(_ context.Context, path string) (*backend.LoadInfo, error) {
	f.calls++
	return &backend.LoadInfo{Persistent: true, Project: "p"}, nil
}

type fakeSource struct {
	adapter    *fakeAdapter
	currentErr error
	selected   backend.Kind
}

func (s *fakeSource) Current(context.Context) (backend.Adapter, error) {
	if s.currentErr != nil {
		return nil, s.currentErr
	}
	return s.adapter, nil
}

func (s *fakeSource) Select(_ context.Context, preference backend.Kind) (backend.Adapter, error) {
	if s.currentErr != nil {
		return nil, s.currentErr
	}
	s.selected = preference
	return s.adapter, nil
}

func (s *fakeSource) Detect(_ context.Context, kind backend.Kind) probe.Descriptor {
	return probe.Descriptor{Backend: kind, Available: kind == backend.BackendRPC, Evidence: []string{"test"}}
}

func (s *fakeSource) DetectAll(ctx context.Context) []probe.Descriptor {
	out := make([]probe.Descriptor, 0, len(backend.Kinds))
	for _, kind := range backend.Kinds {
		out = append(out, s.Detect(ctx, kind))
	}
	return out
}

// serve feeds input lines through a dispatcher and returns the parsed
// response lines, in order.
func serve(t *testing.T, src AdapterSource, maxRead int, input string) []gjson.Result {
	t.Helper()
	var out bytes.Buffer
	d := New(src, maxRead)
	require.NoError(t, d.Serve(context.Background(), strings.NewReader(input), &out))

	var responses []gjson.Result
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		require.True(t, gjson.Valid(line), "response is not valid JSON: %s", line)
		responses = append(responses, gjson.Parse(line))
	}
	return responses
}

func TestFunctionInfoRoundTrip(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0,
		`{"request_id":"req-1","operation":"get_function_info","parameters":{"address":"0x401000"}}`+"\n")

	require.Len(t, resps, 1)
	r := resps[0]
	require.Equal(t, "req-1", r.Get("request_id").String())
	require.Equal(t, "ok", r.Get("status").String())
	require.Equal(t, "main", r.Get("payload.name").String())
	require.Equal(t, "0x401000", r.Get("payload.address").String())
	require.Equal(t, int64(128), r.Get("payload.size").Int())
	require.False(t, r.Get("error").Exists())
}

func TestNumericRequestIDEchoedVerbatim(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0,
		`{"request_id":42,"operation":"decompile_function","parameters":{"address":"0x401000"}}`+"\n")

	require.Len(t, resps, 1)
	require.Equal(t, int64(42), resps[0].Get("request_id").Int())
	require.Equal(t, "ok", resps[0].Get("status").String())
	require.Contains(t, resps[0].Get("payload.code").String(), "int main")
}

func TestResponsesKeepArrivalOrder(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	input := `{"request_id":1,"operation":"decompile_function","parameters":{"address":"0x1000"}}
{"request_id":2,"operation":"get_function_info","parameters":{"address":"0x2000"}}
{"request_id":3,"operation":"find_references","parameters":{"address":"0x3000"}}
`
	resps := serve(t, src, 0, input)
	require.Len(t, resps, 3)
	for i, r := range resps {
		require.Equal(t, int64(i+1), r.Get("request_id").Int())
	}
}

func TestReadMemoryPayloadAndCap(t *testing.T) {
	adapter := &fakeAdapter{}
	src := &fakeSource{adapter: adapter}

	resps := serve(t, src, 16,
		`{"request_id":1,"operation":"read_memory","parameters":{"address":"0x1000","size":4}}
{"request_id":2,"operation":"read_memory","parameters":{"address":"0x1000","size":17}}
{"request_id":3,"operation":"read_memory","parameters":{"address":"0x1000","size":0}}
{"request_id":4,"operation":"read_memory","parameters":{"address":"0x1000","size":-5}}
`)
	require.Len(t, resps, 4)

	ok := resps[0]
	require.Equal(t, "ok", ok.Get("status").String())
	require.Equal(t, int64(4), ok.Get("payload.size").Int())
	data, err := base64.StdEncoding.DecodeString(ok.Get("payload.data").String())
	require.NoError(t, err)
	require.Equal(t, []byte{0xab, 0xab, 0xab, 0xab}, data)

	for _, r := range resps[1:] {
		require.Equal(t, "error", r.Get("status").String())
		require.Equal(t, string(backend.InvalidRequest), r.Get("error.kind").String())
	}
	// Only the valid request reached the backend.
	require.Equal(t, 1, adapter.calls)
}

func TestInvalidAddressNeverReachesBackend(t *testing.T) {
	adapter := &fakeAdapter{}
	src := &fakeSource{adapter: adapter}

	resps := serve(t, src, 0,
		`{"request_id":1,"operation":"decompile_function","parameters":{"address":"401000"}}`+"\n")
	require.Len(t, resps, 1)
	require.Equal(t, string(backend.InvalidRequest), resps[0].Get("error.kind").String())
	require.Zero(t, adapter.calls)
}

func TestNoBackendAvailableError(t *testing.T) {
	src := &fakeSource{
		currentErr: backend.Failf(backend.NoBackendAvailable, false, "no backend available"),
	}
	resps := serve(t, src, 0,
		`{"request_id":"a","operation":"decompile_function","parameters":{"address":"0x1000"}}`+"\n")

	require.Len(t, resps, 1)
	r := resps[0]
	require.Equal(t, "error", r.Get("status").String())
	require.Equal(t, string(backend.NoBackendAvailable), r.Get("error.kind").String())
	require.False(t, r.Get("error.retryable").Bool())
}

func TestUnknownOperation(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0,
		`{"request_id":"a","operation":"patch_bytes","parameters":{}}`+"\n")

	require.Len(t, resps, 1)
	require.Equal(t, string(backend.InvalidRequest), resps[0].Get("error.kind").String())
	require.Contains(t, resps[0].Get("error.message").String(), "patch_bytes")
}

func TestMalformedLineGetsNullIDResponse(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0, "this is not json\n")

	require.Len(t, resps, 1)
	r := resps[0]
	require.Equal(t, gjson.Null, r.Get("request_id").Type)
	require.Equal(t, "error", r.Get("status").String())
	require.Equal(t, string(backend.InvalidRequest), r.Get("error.kind").String())
}

func TestBlankLinesAreSkipped(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0,
		"\n  \n"+`{"request_id":1,"operation":"decompile_function","parameters":{"address":"0x1000"}}`+"\n\n")
	require.Len(t, resps, 1)
	require.Equal(t, int64(1), resps[0].Get("request_id").Int())
}

func TestSetBreakpointDefaultsToSoftware(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0,
		`{"request_id":1,"operation":"set_breakpoint","parameters":{"address":"0x401000"}}
{"request_id":2,"operation":"set_breakpoint","parameters":{"address":"0x401000","kind":"hardware"}}
{"request_id":3,"operation":"set_breakpoint","parameters":{"address":"0x401000","kind":"laser"}}
`)
	require.Len(t, resps, 3)
	require.Equal(t, "software", resps[0].Get("payload.kind").String())
	require.Equal(t, "hardware", resps[1].Get("payload.kind").String())
	require.Equal(t, string(backend.InvalidRequest), resps[2].Get("error.kind").String())
}

func TestDetectBackends(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0,
		`{"request_id":1,"operation":"detect_backends","parameters":{}}
{"request_id":2,"operation":"detect_backends","parameters":{"backend":"rpc","reselect":true}}
`)
	require.Len(t, resps, 2)

	all := resps[0].Get("payload.backends")
	require.Equal(t, 2, len(all.Array()))
	require.Equal(t, "rpc", all.Get("0.backend").String())
	require.True(t, all.Get("0.available").Bool())
	require.Equal(t, "headless", all.Get("1.backend").String())
	require.False(t, all.Get("1.available").Bool())

	require.Equal(t, "rpc", resps[1].Get("payload.selected").String())
	require.Equal(t, backend.BackendRPC, src.selected)
}

func TestLoadBinary(t *testing.T) {
	src := &fakeSource{adapter: &fakeAdapter{}}
	resps := serve(t, src, 0,
		`{"request_id":1,"operation":"load_binary","parameters":{"path":"/tmp/target.bin"}}
{"request_id":2,"operation":"load_binary","parameters":{}}
`)
	require.Len(t, resps, 2)
	require.True(t, resps[0].Get("payload.persistent").Bool())
	require.Equal(t, string(backend.InvalidRequest), resps[1].Get("error.kind").String())
}
