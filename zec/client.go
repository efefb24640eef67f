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
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/rpc"
)

// maxConfDepth is the maxconf argument passed to listunspent; zcashd treats
// it as "no upper bound".
const maxConfDepth = 9999999

// Rescan policies accepted by z_importviewingkey.
const (
	RescanYes          = "yes"
	RescanNo           = "no"
	RescanWhenKeyIsNew = "whenkeyisnew"
)

// Client extends the shared bitcoind-family client with zcashd's shielded
// pool RPCs. Everything the chains have in common comes from the embedded
// NodeClient.
type Client struct {
	*rpc.NodeClient
}

// NewClient returns a typed client for one zcashd node.
func NewClient(cfg rpc.Config) (*Client, error) {
	nc, err := rpc.NewNodeClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{NodeClient: nc}, nil
}

// Unspent is one listunspent result row.
type Unspent struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	AmountZat     int64           `json:"amountZat,omitempty"`
	Confirmations int64           `json:"confirmations"`
	Spendable     bool            `json:"spendable"`
}

// Value returns the output amount, preferring the integer zatoshi field when
// the node provides it.
func (u *Unspent) Value() decimal.Decimal {
	if u.AmountZat > 0 {
		return types.AmountFromBase(u.AmountZat)
	}
	return u.Amount
}

// ShieldedReceived is one z_listreceivedbyaddress result row: a single note
// received by a shielded address.
type ShieldedReceived struct {
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	AmountZat     int64           `json:"amountZat,omitempty"`
	Memo          string          `json:"memo"` // hex, zero padded to the full field
	OutIndex      int             `json:"outindex"`
	Confirmations int64           `json:"confirmations"`
	Change        bool            `json:"change"`
}

// Value returns the note amount, preferring the integer zatoshi field.
func (r *ShieldedReceived) Value() decimal.Decimal {
	if r.AmountZat > 0 {
		return types.AmountFromBase(r.AmountZat)
	}
	return r.Amount
}

// ZAddressInfo is a z_validateaddress result.
type ZAddressInfo struct {
	IsValid bool   `json:"isvalid"`
	Address string `json:"address"`
	Type    string `json:"address_type"` // sprout, sapling or unified
}

// ListUnspent returns the unspent transparent outputs paying the given
// addresses, including zero-confirmation outputs still in the mempool.
func (c *Client) ListUnspent(ctx context.Context, addresses []string) ([]Unspent, error) {
	var out []Unspent
	err := c.CallResult(ctx, "listunspent", &out, 0, maxConfDepth, addresses)
	return out, err
}

// ZListReceivedByAddress returns every note the node's viewing keys can see
// for one shielded address, mempool notes included.
func (c *Client) ZListReceivedByAddress(ctx context.Context, address string) ([]ShieldedReceived, error) {
	var out []ShieldedReceived
	err := c.CallResult(ctx, "z_listreceivedbyaddress", &out, address, 0)
	return out, err
}

// ZValidateAddress asks the node to validate a shielded address.
func (c *Client) ZValidateAddress(ctx context.Context, address string) (*ZAddressInfo, error) {
	var out ZAddressInfo
	if err := c.CallResult(ctx, "z_validateaddress", &out, address); err != nil {
		return nil, err
	}
	return &out, nil
}

// ZImportViewingKey registers an incoming viewing key with the node's wallet
// so it can decrypt notes for the key's addresses. rescan controls whether
// the node rewalks the chain, startHeight where such a rescan begins. The
// call blocks for the duration of the rescan.
func (c *Client) ZImportViewingKey(ctx context.Context, key, rescan string, startHeight int64) error {
	_, err := c.Call(ctx, "z_importviewingkey", key, rescan, startHeight)
	return err
}

// IsShieldedAddress reports whether the address belongs to a shielded pool.
// Transparent zcash addresses are base58 with a t prefix; every shielded
// form (sprout, sapling, unified) starts with z or u.
func IsShieldedAddress(addr string) bool {
	for _, prefix := range []string{
		"zs",              // sapling mainnet
		"ztestsapling",    // sapling testnet
		"zregtestsapling", // sapling regtest
		"zc",              // sprout
		"u1",              // unified mainnet
		"utest",           // unified testnet
	} {
		if strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	return false
}
