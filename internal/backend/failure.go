// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"fmt"
)

// FailureKind is the closed taxonomy of broker error kinds. Every failure
// that crosses the protocol boundary carries exactly one of these.
type FailureKind string

const (
	ConnectionError    FailureKind = "ConnectionError"
	TransportError     FailureKind = "TransportError"
	Timeout            FailureKind = "Timeout"
	ToolNotFound       FailureKind = "ToolNotFound"
	ProtocolError      FailureKind = "ProtocolError"
	Unsupported        FailureKind = "Unsupported"
	InvalidRequest     FailureKind = "InvalidRequest"
	NoBackendAvailable FailureKind = "NoBackendAvailable"
)

// Failure is the typed error surfaced by every backend operation. Kind is
// stable and machine-readable; Retryable tells the caller whether re-issuing
// the identical request has a chance of succeeding.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (f *Failure) Error() string {
	if f == nil {
		return "backend: unknown failure"
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Failf builds a Failure with a formatted message.
func Failf(kind FailureKind, retryable bool, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// Unsupportedf builds the failure an adapter returns for an operation its
// backend cannot honor. Callers treat it as an expected outcome, not a defect.
func Unsupportedf(format string, args ...any) *Failure {
	return Failf(Unsupported, false, format, args...)
}

// AsFailure extracts the *Failure from err so the wire envelope always has a
// kind. Errors from outside the taxonomy are wrapped as a non-retryable
// ProtocolError rather than leaking backend-specific failure modes upward.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f
	}
	return &Failure{Kind: ProtocolError, Message: err.Error()}
}
