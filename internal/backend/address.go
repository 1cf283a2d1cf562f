// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backend defines the operation contract shared by every
// reverse-engineering backend adapter, together with the result and
// failure types exchanged across it.
package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a location in the analyzed binary's address space.
// The canonical display form is a lowercase hex string with a 0x prefix;
// ParseAddress and String round-trip losslessly across the full 64-bit range.
type Address uint64

// ParseAddress parses the canonical hex form. Upper-case hex digits and a
// 0X prefix are accepted on input; output is always lowercase.
func ParseAddress(s string) (Address, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(lower, "0x") {
		return 0, fmt.Errorf("address %q: missing 0x prefix", s)
	}
	digits := lower[2:]
	if digits == "" {
		return 0, fmt.Errorf("address %q: no hex digits after prefix", s)
	}
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}
	return Address(v), nil
}

func (a Address) String() string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

// MarshalJSON emits the canonical hex form so addresses on the wire are
// always strings, never JSON numbers that could lose precision.
func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

func (a *Address) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("address: expected hex string, got %s", data)
	}
	v, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
