// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFailureError(t *testing.T) {
	f := Failf(Timeout, true, "script exceeded %ds", 30)
	require.Equal(t, "Timeout: script exceeded 30s", f.Error())
	require.True(t, f.Retryable)
}

func TestAsFailure(t *testing.T) {
	f := Failf(ConnectionError, true, "endpoint unreachable")

	got := AsFailure(f)
	require.Same(t, f, got)

	wrapped := fmt.Errorf("while connecting: %w", f)
	got = AsFailure(wrapped)
	require.Same(t, f, got)

	foreign := AsFailure(errors.New("boom"))
	require.Equal(t, ProtocolError, foreign.Kind)
	require.False(t, foreign.Retryable)
	require.Equal(t, "boom", foreign.Message)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("rpc")
	require.True(t, ok)
	require.Equal(t, BackendRPC, k)

	k, ok = ParseKind("headless")
	require.True(t, ok)
	require.Equal(t, BackendHeadless, k)

	_, ok = ParseKind("frida")
	require.False(t, ok)
	_, ok = ParseKind("")
	require.False(t, ok)
}

func TestParseBreakpointKind(t *testing.T) {
	for _, s := range []string{"software", "hardware", "read", "write", "execute"} {
		k, ok := ParseBreakpointKind(s)
		require.True(t, ok, s)
		require.Equal(t, BreakpointKind(s), k)
	}
	_, ok := ParseBreakpointKind("conditional")
	require.False(t, ok)
}
