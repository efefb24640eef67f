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

package rpc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NodeClient exposes the bitcoind-family RPC surface shared by every chain
// the monitors support. zcashd descends from bitcoind, so the common calls
// are identical; chain packages add their own extensions on top.
type NodeClient struct {
	*Client
}

// NewNodeClient returns a typed client for one node.
func NewNodeClient(cfg Config) (*NodeClient, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NodeClient{Client: c}, nil
}

// BlockchainInfo mirrors the getblockchaininfo fields the monitors read.
type BlockchainInfo struct {
	Chain                string `json:"chain"`
	Blocks               int64  `json:"blocks"`
	Headers              int64  `json:"headers"`
	BestBlockHash        string `json:"bestblockhash"`
	InitialBlockDownload bool   `json:"initialblockdownload"`
}

// Block is a getblock result at verbosity 1: header fields plus txids.
type Block struct {
	Hash              string   `json:"hash"`
	Height            int64    `json:"height"`
	Time              int64    `json:"time"`
	Confirmations     int64    `json:"confirmations"`
	PreviousBlockHash string   `json:"previousblockhash"`
	TxIDs             []string `json:"tx"`
}

// BlockVerbose is a getblock result at verbosity 2: header fields plus
// fully decoded transactions.
type BlockVerbose struct {
	Hash              string `json:"hash"`
	Height            int64  `json:"height"`
	Time              int64  `json:"time"`
	Confirmations     int64  `json:"confirmations"`
	PreviousBlockHash string `json:"previousblockhash"`
	Txs               []Tx   `json:"tx"`
}

// Tx is a decoded transaction as returned by getrawtransaction (verbose),
// decoderawtransaction and verbosity-2 getblock. Fields absent in a given
// context stay zero: unmined txs carry no blockhash, decoderawtransaction
// carries no confirmations, bitcoind carries no height.
type Tx struct {
	TxID          string  `json:"txid"`
	Vin           []TxIn  `json:"vin"`
	Vout          []TxOut `json:"vout"`
	BlockHash     string  `json:"blockhash,omitempty"`
	Confirmations int64   `json:"confirmations,omitempty"`
	Height        int64   `json:"height,omitempty"` // zcashd only
	Time          int64   `json:"time,omitempty"`
}

// TxIn is a transaction input. Coinbase inputs have no previous outpoint.
type TxIn struct {
	TxID     string `json:"txid,omitempty"`
	Vout     uint32 `json:"vout"`
	Coinbase string `json:"coinbase,omitempty"`
}

// TxOut is a transaction output. Value decodes through decimal straight
// from the JSON literal, keeping the amount exact.
type TxOut struct {
	Value        decimal.Decimal `json:"value"`
	N            uint32          `json:"n"`
	ScriptPubKey ScriptPubKey    `json:"scriptPubKey"`
}

// ScriptPubKey carries the output script and its decoded addresses. Modern
// bitcoind fills the singular field, older nodes and zcashd the plural one.
type ScriptPubKey struct {
	Hex       string   `json:"hex"`
	Type      string   `json:"type"`
	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// OutputAddresses returns the decoded addresses regardless of node vintage.
func (s *ScriptPubKey) OutputAddresses() []string {
	if s.Address != "" {
		return []string{s.Address}
	}
	return s.Addresses
}

// MempoolEntry is the subset of getmempoolentry the monitors use.
type MempoolEntry struct {
	Time   int64 `json:"time"`
	Height int64 `json:"height"`
}

// AddressInfo is a validateaddress result.
type AddressInfo struct {
	IsValid bool   `json:"isvalid"`
	Address string `json:"address"`
}

// TxStatus is the confirmation snapshot the sweep works from. Gone is set
// when the node no longer knows the transaction at all, the signal the
// reorg heuristic counts.
type TxStatus struct {
	Gone          bool
	Confirmations int64  // 0 while in mempool
	BlockHash     string // empty while unmined
	BlockHeight   int64  // 0 when the node does not report it
}

// BlockCount returns the height of the node's best block.
func (nc *NodeClient) BlockCount(ctx context.Context) (int64, error) {
	var count int64
	err := nc.CallResult(ctx, "getblockcount", &count)
	return count, err
}

// BlockHash returns the hash of the block at the given height.
func (nc *NodeClient) BlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := nc.CallResult(ctx, "getblockhash", &hash, height)
	return hash, err
}

// Block fetches a block with its txids only.
func (nc *NodeClient) Block(ctx context.Context, hash string) (*Block, error) {
	block := new(Block)
	if err := nc.CallResult(ctx, "getblock", block, hash, 1); err != nil {
		return nil, err
	}
	return block, nil
}

// BlockVerbose fetches a block with every transaction decoded, one round
// trip instead of one per tx.
func (nc *NodeClient) BlockVerbose(ctx context.Context, hash string) (*BlockVerbose, error) {
	block := new(BlockVerbose)
	if err := nc.CallResult(ctx, "getblock", block, hash, 2); err != nil {
		return nil, err
	}
	return block, nil
}

// BlockchainInfo returns the node's view of its chain.
func (nc *NodeClient) BlockchainInfo(ctx context.Context) (*BlockchainInfo, error) {
	info := new(BlockchainInfo)
	if err := nc.CallResult(ctx, "getblockchaininfo", info); err != nil {
		return nil, err
	}
	return info, nil
}

// ValidateAddress asks the node whether addr is well formed for its chain.
func (nc *NodeClient) ValidateAddress(ctx context.Context, addr string) (*AddressInfo, error) {
	info := new(AddressInfo)
	if err := nc.CallResult(ctx, "validateaddress", info, addr); err != nil {
		return nil, err
	}
	return info, nil
}

// RawTransaction returns the serialized hex of a transaction.
func (nc *NodeClient) RawTransaction(ctx context.Context, txid string) (string, error) {
	var hex string
	err := nc.CallResult(ctx, "getrawtransaction", &hex, txid)
	return hex, err
}

// RawTransactionVerbose returns a decoded transaction with its chain
// context (blockhash, confirmations) when mined.
func (nc *NodeClient) RawTransactionVerbose(ctx context.Context, txid string) (*Tx, error) {
	tx := new(Tx)
	if err := nc.CallResult(ctx, "getrawtransaction", tx, txid, 1); err != nil {
		return nil, err
	}
	return tx, nil
}

// DecodeRawTransaction decodes serialized hex without touching the chain.
func (nc *NodeClient) DecodeRawTransaction(ctx context.Context, hexTx string) (*Tx, error) {
	tx := new(Tx)
	if err := nc.CallResult(ctx, "decoderawtransaction", tx, hexTx); err != nil {
		return nil, err
	}
	return tx, nil
}

// RawMempool returns the txids currently in the node's mempool.
func (nc *NodeClient) RawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := nc.CallResult(ctx, "getrawmempool", &txids, false); err != nil {
		return nil, err
	}
	return txids, nil
}

// RawMempoolVerbose returns the mempool with per-tx detail.
func (nc *NodeClient) RawMempoolVerbose(ctx context.Context) (map[string]MempoolEntry, error) {
	entries := make(map[string]MempoolEntry)
	if err := nc.CallResult(ctx, "getrawmempool", &entries, true); err != nil {
		return nil, err
	}
	return entries, nil
}

// MempoolEntry returns mempool detail for one txid, or IsNotFound error
// when the tx is not in the mempool.
func (nc *NodeClient) MempoolEntry(ctx context.Context, txid string) (*MempoolEntry, error) {
	entry := new(MempoolEntry)
	if err := nc.CallResult(ctx, "getmempoolentry", entry, txid); err != nil {
		return nil, err
	}
	return entry, nil
}

// InMempool reports whether the node currently holds txid in its mempool.
func (nc *NodeClient) InMempool(ctx context.Context, txid string) (bool, error) {
	if _, err := nc.MempoolEntry(ctx, txid); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Confirmations resolves the confirmation state of a transaction: Gone when
// the node has no trace of it, zero confirmations while it sits in the
// mempool, otherwise the mined depth. Requires the tx to pay a wallet or
// monitored output on pruned nodes; the monitors only query deposits they
// have already seen, which satisfies that.
func (nc *NodeClient) Confirmations(ctx context.Context, txid string) (*TxStatus, error) {
	tx, err := nc.RawTransactionVerbose(ctx, txid)
	if err != nil {
		if IsNotFound(err) {
			return &TxStatus{Gone: true}, nil
		}
		return nil, err
	}
	return &TxStatus{
		Confirmations: tx.Confirmations,
		BlockHash:     tx.BlockHash,
		BlockHeight:   tx.Height,
	}, nil
}

// WaitForNode blocks until the node answers getblockchaininfo, retrying at
// interval. Returns the first successful info, or ctx's error. Used at
// startup so a monitor does not begin catch-up against a dead endpoint.
func (nc *NodeClient) WaitForNode(ctx context.Context, interval time.Duration) (*BlockchainInfo, error) {
	for {
		info, err := nc.BlockchainInfo(ctx)
		if err == nil {
			return info, nil
		}
		nc.log.WithError(err).WithField("retry_in", interval).Warn("node not ready")
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Logger returns the client's log entry for packages that want to annotate
// their own output with the node identity.
func (nc *NodeClient) Logger() *logrus.Entry {
	return nc.log
}
