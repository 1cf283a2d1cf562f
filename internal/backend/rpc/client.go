// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rpc adapts the backend engine that exposes a persistent JSON-RPC
// session: one long-lived endpoint, many calls, analysis state held on the
// backend side between calls.
package rpc

import (
	"bytes"
	"context"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/revlink/revbroker/internal/backend"
)

// maxResponseBytes caps how much of a response body is read; decompiled
// listings are large but bounded in practice.
const maxResponseBytes = 8 << 20

// jsonrpcMethodNotFound is the JSON-RPC 2.0 "method not found" code; the
// backend answers it for operations its plugin does not implement.
const jsonrpcMethodNotFound = -32601

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// client is a minimal JSON-RPC 2.0 client for the backend's /mcp endpoint.
// It is not safe for concurrent use; the adapter serializes access.
type client struct {
	baseURL string
	http    *http.Client
	nextID  int64
}

// call performs one request/response exchange. Transport-level problems
// come back as retryable TransportError failures; a live server answering
// with garbage or a JSON-RPC error object is a ProtocolError, except
// "method not found" which maps to Unsupported.
func (c *client) call(ctx context.Context, method string, params []any) (gjson.Result, error) {
	c.nextID++
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID})
	if err != nil {
		return gjson.Result{}, backend.Failf(backend.ProtocolError, false, "encode %s request: %v", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, backend.Failf(backend.ProtocolError, false, "build %s request: %v", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, backend.Failf(backend.TransportError, true, "%s exchange failed: %v", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, backend.Failf(backend.TransportError, true, "%s response read failed: %v", method, err)
	}

	if resp.StatusCode >= 500 {
		return gjson.Result{}, backend.Failf(backend.TransportError, true, "%s returned HTTP %d", method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, backend.Failf(backend.ProtocolError, false, "%s returned HTTP %d", method, resp.StatusCode)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, backend.Failf(backend.ProtocolError, false, "%s returned invalid JSON", method)
	}

	doc := gjson.ParseBytes(data)
	if rpcErr := doc.Get("error"); rpcErr.Exists() {
		code := rpcErr.Get("code").Int()
		msg := rpcErr.Get("message").String()
		if code == jsonrpcMethodNotFound {
			return gjson.Result{}, backend.Unsupportedf("backend does not implement %s", method)
		}
		return gjson.Result{}, backend.Failf(backend.ProtocolError, false, "rpc error %d on %s: %s", code, method, msg)
	}

	return doc.Get("result"), nil
}
