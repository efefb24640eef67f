// Copyright 2024 The chainwatch Authors
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

package types

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// CoinPrecision is the number of decimal places carried by every supported
// chain (1 coin = 1e8 base units on both bitcoin and zcash).
const CoinPrecision = 8

// ParseAmount parses a coin amount from the textual form a node emits.
// Going through the string keeps the value exact; float64 would not.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "invalid amount %q", s)
	}
	if d.Exponent() < -CoinPrecision {
		return decimal.Decimal{}, errors.Errorf("amount %q exceeds %d decimal places", s, CoinPrecision)
	}
	return d, nil
}

// AmountFromBase converts an integer base-unit amount (satoshis, zatoshis)
// into whole coins.
func AmountFromBase(units int64) decimal.Decimal {
	return decimal.New(units, -CoinPrecision)
}

// FormatAmount renders an amount with the full eight decimal places, the
// form used in event payloads.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(CoinPrecision)
}
