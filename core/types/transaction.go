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
	"time"

	"github.com/shopspring/decimal"
)

// Transaction records one on-chain deposit observed for a payment address.
// Rows are unique per (chain, txid, address): a transaction paying two
// monitored addresses yields two rows, and re-observing the same deposit
// through any intake path is a no-op.
type Transaction struct {
	ID            string          `json:"id"`
	PaymentID     string          `json:"payment_id"`
	Chain         Chain           `json:"chain"`
	TxID          string          `json:"txid"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
	BlockHeight   int64           `json:"block_height,omitempty"` // 0 while unmined
	BlockHash     string          `json:"block_hash,omitempty"`   // empty while unmined
	Shielded      bool            `json:"shielded,omitempty"`
	Memo          string          `json:"memo,omitempty"` // decoded shielded memo, zcash only
	DetectedAt    time.Time       `json:"detected_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Mined reports whether the deposit has been included in a block.
func (t *Transaction) Mined() bool {
	return t.BlockHash != ""
}
