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
	"unicode/utf8"

	"github.com/pkg/errors"
)

// MaxMemoBytes is the size of the shielded memo field. Text memos shorter
// than this are zero padded on chain.
const MaxMemoBytes = 512

// DecodeMemo converts the hex memo field of a received note into the UTF-8
// text the sender wrote. The no-memo marker, empty fields and non-text
// payloads (first byte 0xf5 or above) all decode to the empty string;
// trailing zero padding is stripped.
func DecodeMemo(hexMemo string) (string, error) {
	if hexMemo == "" {
		return "", nil
	}
	raw, err := hex.DecodeString(hexMemo)
	if err != nil {
		return "", errors.Wrap(err, "invalid memo hex")
	}
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] >= 0xf5 {
		// 0xf6 plus padding is the explicit no-memo marker; everything else
		// in that range is arbitrary non-text data we do not surface.
		return "", nil
	}
	end := len(raw)
	for end > 0 && raw[end-1] == 0x00 {
		end--
	}
	text := raw[:end]
	if !utf8.Valid(text) {
		return "", nil
	}
	return string(text), nil
}

// EncodeMemo converts memo text to the hex form zcashd expects. Memos beyond
// the 512 byte field are rejected rather than truncated.
func EncodeMemo(text string) (string, error) {
	if len(text) > MaxMemoBytes {
		return "", errors.Errorf("memo is %d bytes, limit is %d", len(text), MaxMemoBytes)
	}
	return hex.EncodeToString([]byte(text)), nil
}
