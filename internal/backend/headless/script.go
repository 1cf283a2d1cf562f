// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package headless adapts the backend engine that has no resident service.
// Every operation materializes a short analysis script, runs it in a
// spawned engine process, and parses one JSON result line from its stdout.
package headless

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/tidwall/sjson"

	"github.com/revlink/revbroker/internal/backend"
)

// operation names one script template. The name is embedded in the temp
// script's filename for post-mortem identification.
type operation string

const (
	opPing           operation = "ping"
	opLoadBinary     operation = "load_binary"
	opDecompile      operation = "decompile"
	opFunctionInfo   operation = "function_info"
	opFindReferences operation = "find_references"
	opReadMemory     operation = "read_memory"
)

// paramsBuilder accumulates script parameters as a JSON document. Values
// reach the script only through JSON encoding, so no request content is
// ever spliced into script source as code.
type paramsBuilder struct {
	doc []byte
	err error
}

func newParams() *paramsBuilder {
	return &paramsBuilder{doc: []byte("{}")}
}

func (b *paramsBuilder) set(key string, value any) *paramsBuilder {
	if b.err != nil {
		return b
	}
	b.doc, b.err = sjson.SetBytes(b.doc, key, value)
	return b
}

func (b *paramsBuilder) setAddress(key string, addr backend.Address) *paramsBuilder {
	return b.set(key, addr.String())
}

// literal renders the accumulated document as a quoted string literal that
// is valid in both Go and the script language, for embedding in templates.
func (b *paramsBuilder) literal() (string, error) {
	if b.err != nil {
		return "", fmt.Errorf("build script params: %w", b.err)
	}
	return strconv.Quote(string(b.doc)), nil
}

// scriptData is the template input. ParamsLiteral is an already-quoted
// string literal; templates must not quote it again.
type scriptData struct {
	ParamsLiteral string
}

// preamble is shared by all operation scripts. emit prints exactly one JSON
// object line on stdout and exits; the parent parses the last such line, so
// engine banners and analysis chatter above it are harmless.
const preamble = `import json
import sys

PARAMS = json.loads({{.ParamsLiteral}})

def emit(status, data=None, error=None):
    print(json.dumps({"status": status, "data": data, "error": error}))
    sys.stdout.flush()
    sys.exit(0 if status == "success" else 1)

def fail(message):
    emit("error", error=str(message))
`

var scriptTemplates = map[operation]*template.Template{
	opPing: mustParse(opPing, `
try:
    import pyghidra
    pyghidra.start()
    emit("success", data={"pong": True})
except Exception as exc:
    fail(exc)
`),

	opLoadBinary: mustParse(opLoadBinary, `
try:
    import pyghidra
    pyghidra.start()
    with pyghidra.open_program(
        PARAMS["path"],
        project_location=PARAMS["project_dir"],
        project_name=PARAMS["project_name"],
        analyze=True,
    ) as flat:
        program = flat.getCurrentProgram()
        emit("success", data={
            "program": program.getName(),
            "image_base": str(program.getImageBase()),
        })
except Exception as exc:
    fail(exc)
`),

	opDecompile: mustParse(opDecompile, `
try:
    import pyghidra
    pyghidra.start()
    with pyghidra.open_program(
        PARAMS["path"],
        project_location=PARAMS["project_dir"],
        project_name=PARAMS["project_name"],
        analyze=False,
    ) as flat:
        from ghidra.app.decompiler import DecompInterface
        program = flat.getCurrentProgram()
        addr = program.getAddressFactory().getAddress(PARAMS["address"])
        func = program.getFunctionManager().getFunctionContaining(addr)
        if func is None:
            fail("no function at " + PARAMS["address"])
        decomp = DecompInterface()
        decomp.openProgram(program)
        res = decomp.decompileFunction(func, 60, flat.getMonitor())
        if not res.decompileCompleted():
            fail(res.getErrorMessage())
        emit("success", data={"code": res.getDecompiledFunction().getC()})
except Exception as exc:
    fail(exc)
`),

	opFunctionInfo: mustParse(opFunctionInfo, `
try:
    import pyghidra
    pyghidra.start()
    with pyghidra.open_program(
        PARAMS["path"],
        project_location=PARAMS["project_dir"],
        project_name=PARAMS["project_name"],
        analyze=False,
    ) as flat:
        program = flat.getCurrentProgram()
        addr = program.getAddressFactory().getAddress(PARAMS["address"])
        func = program.getFunctionManager().getFunctionContaining(addr)
        if func is None:
            fail("no function at " + PARAMS["address"])
        body = func.getBody()
        emit("success", data={
            "name": func.getName(),
            "address": "0x" + func.getEntryPoint().toString(),
            "size": body.getNumAddresses(),
            "signature": func.getPrototypeString(False, False),
        })
except Exception as exc:
    fail(exc)
`),

	opFindReferences: mustParse(opFindReferences, `
try:
    import pyghidra
    pyghidra.start()
    with pyghidra.open_program(
        PARAMS["path"],
        project_location=PARAMS["project_dir"],
        project_name=PARAMS["project_name"],
        analyze=False,
    ) as flat:
        program = flat.getCurrentProgram()
        addr = program.getAddressFactory().getAddress(PARAMS["address"])
        refs = []
        for ref in program.getReferenceManager().getReferencesTo(addr):
            refs.append({
                "from": "0x" + ref.getFromAddress().toString(),
                "type": ref.getReferenceType().getName().lower(),
            })
        emit("success", data={"references": refs})
except Exception as exc:
    fail(exc)
`),

	opReadMemory: mustParse(opReadMemory, `
try:
    import pyghidra
    pyghidra.start()
    with pyghidra.open_program(
        PARAMS["path"],
        project_location=PARAMS["project_dir"],
        project_name=PARAMS["project_name"],
        analyze=False,
    ) as flat:
        import binascii
        program = flat.getCurrentProgram()
        addr = program.getAddressFactory().getAddress(PARAMS["address"])
        size = int(PARAMS["size"])
        raw = bytearray(size)
        got = program.getMemory().getBytes(addr, raw)
        if got < size:
            fail("short read: %d of %d bytes" % (got, size))
        data = binascii.hexlify(bytes(raw)).decode("ascii")
        emit("success", data={"bytes": data})
except Exception as exc:
    fail(exc)
`),
}

func mustParse(op operation, body string) *template.Template {
	return template.Must(template.New(string(op)).Parse(preamble + body))
}

// renderScript produces the script source for one operation run.
func renderScript(op operation, params *paramsBuilder) (string, error) {
	tmpl, ok := scriptTemplates[op]
	if !ok {
		return "", fmt.Errorf("no script template for operation %q", op)
	}
	literal, err := params.literal()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, scriptData{ParamsLiteral: literal}); err != nil {
		return "", fmt.Errorf("render %s script: %w", op, err)
	}
	return sb.String(), nil
}
