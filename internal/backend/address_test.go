// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Address
		wantErr bool
	}{
		{name: "zero", in: "0x0", want: 0},
		{name: "typical code address", in: "0x401000", want: 0x401000},
		{name: "upper-case digits accepted", in: "0x401ABC", want: 0x401abc},
		{name: "upper-case prefix accepted", in: "0X10", want: 0x10},
		{name: "max 64-bit value", in: "0xffffffffffffffff", want: math.MaxUint64},
		{name: "surrounding whitespace", in: "  0x20  ", want: 0x20},
		{name: "missing prefix", in: "401000", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "prefix only", in: "0x", wantErr: true},
		{name: "non-hex digits", in: "0xzz", wantErr: true},
		{name: "overflow", in: "0x10000000000000000", wantErr: true},
		{name: "negative", in: "-0x10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestAddressString(t *testing.T) {
	require.Equal(t, "0x0", Address(0).String())
	require.Equal(t, "0x401abc", Address(0x401ABC).String())
	require.Equal(t, "0xffffffffffffffff", Address(math.MaxUint64).String())
}

// Encoding any address to its display form and parsing it back must yield
// the identical numeric value across the whole 64-bit range.
func TestProperty_AddressRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("display form round-trips losslessly", prop.ForAll(
		func(v uint64) bool {
			parsed, err := ParseAddress(Address(v).String())
			return err == nil && parsed == Address(v)
		},
		gen.UInt64(),
	))

	properties.Property("boundary values round-trip", prop.ForAll(
		func(raw uint64) bool {
			for _, v := range []uint64{0, 1, raw, math.MaxUint64 - 1, math.MaxUint64} {
				parsed, err := ParseAddress(Address(v).String())
				if err != nil || parsed != Address(v) {
					return false
				}
			}
			return true
		},
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestAddressJSON(t *testing.T) {
	data, err := Address(0x401000).MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"0x401000"`, string(data))

	var a Address
	require.NoError(t, a.UnmarshalJSON([]byte(`"0x401000"`)))
	require.Equal(t, Address(0x401000), a)

	require.Error(t, a.UnmarshalJSON([]byte(`4198400`)), "numeric addresses are rejected at the boundary")
	require.Error(t, a.UnmarshalJSON([]byte(`"401000"`)))
}
