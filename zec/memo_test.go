// Copyright 2025 The chainwatch Authors
// This file is part of the chainwatch library.
//
// The chainwatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainwatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainwatch library. If not, see <http://www.gnu.org/licenses/>.

package zec

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeMemo(t *testing.T) {
	padded := func(text string) string {
		raw := make([]byte, MaxMemoBytes)
		copy(raw, text)
		return hex.EncodeToString(raw)
	}
	tests := []struct {
		name    string
		memo    string
		want    string
		wantErr bool
	}{
		{"empty field", "", "", false},
		{"plain text", hex.EncodeToString([]byte("invoice #42")), "invoice #42", false},
		{"zero padded", padded("order-7"), "order-7", false},
		{"full field", padded(""), "", false},
		{"no memo marker", "f6" + strings.Repeat("00", MaxMemoBytes-1), "", false},
		{"arbitrary data", "ff20aa", "", false},
		{"not utf8", hex.EncodeToString([]byte{0xc3, 0x28}), "", false},
		{"multibyte text", hex.EncodeToString([]byte("café ☕")), "café ☕", false},
		{"bad hex", "zz", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMemo(tt.memo)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if got != tt.want {
				t.Errorf("have %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeMemo(t *testing.T) {
	enc, err := EncodeMemo("thanks!")
	require.NoError(t, err)
	dec, err := DecodeMemo(enc)
	require.NoError(t, err)
	if dec != "thanks!" {
		t.Fatalf("round trip: have %q, want %q", dec, "thanks!")
	}

	atLimit := strings.Repeat("a", MaxMemoBytes)
	if _, err := EncodeMemo(atLimit); err != nil {
		t.Fatalf("memo at the limit rejected: %v", err)
	}
	if _, err := EncodeMemo(atLimit + "a"); err == nil {
		t.Fatal("memo above the limit accepted")
	}
}
