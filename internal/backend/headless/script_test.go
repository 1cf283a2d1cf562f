// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package headless

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRenderScriptEmbedsParamsAsData(t *testing.T) {
	params := newParams().
		set("path", `/tmp/tricky "quotes" and 'apostrophes'.bin`).
		set("project_dir", "/home/u/projects").
		set("project_name", "revbroker").
		set("address", "0x401000")

	source, err := renderScript(opDecompile, params)
	require.NoError(t, err)
	require.Contains(t, source, "PARAMS = json.loads(")
	require.Contains(t, source, "import json")
	require.Contains(t, source, "def emit(")

	// The embedded literal must round-trip back to the original values.
	start := strings.Index(source, "json.loads(") + len("json.loads(")
	end := strings.Index(source[start:], ")\n")
	require.Positive(t, end)
	literal := source[start : start+end]
	doc, err := strconv.Unquote(literal)
	require.NoError(t, err)
	require.True(t, gjson.Valid(doc))
	require.Equal(t, `/tmp/tricky "quotes" and 'apostrophes'.bin`, gjson.Get(doc, "path").String())
	require.Equal(t, "0x401000", gjson.Get(doc, "address").String())
}

func TestRenderScriptEveryOperationHasTemplate(t *testing.T) {
	ops := []operation{opPing, opLoadBinary, opDecompile, opFunctionInfo, opFindReferences, opReadMemory}
	for _, op := range ops {
		source, err := renderScript(op, newParams().set("path", "/x"))
		require.NoError(t, err, op)
		require.Contains(t, source, "emit(", op)
	}

	_, err := renderScript(operation("patch"), newParams())
	require.Error(t, err)
}

func TestLastJSONLine(t *testing.T) {
	out := []byte(`INFO  Using log config file: null
openjdk version "21.0.2"
{"status":"error","data":null,"error":"stale"}
{not json at all
{"status":"success","data":{"pong":true},"error":null}
`)
	line, ok := lastJSONLine(out)
	require.True(t, ok)
	require.Equal(t, "success", gjson.GetBytes(line, "status").String())

	_, ok = lastJSONLine([]byte("no result here\n"))
	require.False(t, ok)
	_, ok = lastJSONLine(nil)
	require.False(t, ok)
}

func TestParamsBuilderPropagatesErrors(t *testing.T) {
	b := newParams().set("value", make(chan int))
	_, err := b.literal()
	require.Error(t, err)
}
