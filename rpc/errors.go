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
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
)

// TransportError wraps a failure to reach the node or to complete the HTTP
// exchange. Transport errors are always retryable.
type TransportError struct {
	Op  string // "request", "read", "status"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps a response the node delivered but that does not parse
// as JSON-RPC, or that answers a different request id. Usually a proxy or a
// node in a bad state; retryable.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "rpc protocol: " + e.Reason
}

// NodeError is an error object returned by the node itself. Codes follow the
// bitcoind convention, which zcashd shares.
type NodeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("rpc node error %d: %s", e.Code, e.Message)
}

// Terminal reports whether retrying the identical request is pointless:
// unknown methods, malformed params and missing txs or blocks never resolve
// on their own. Everything else (warmup, work queue full, internal errors)
// is retried.
func (e *NodeError) Terminal() bool {
	switch btcjson.RPCErrorCode(e.Code) {
	case btcjson.ErrRPCMethodNotFound.Code,
		btcjson.ErrRPCInvalidRequest.Code,
		btcjson.ErrRPCInvalidParams.Code,
		btcjson.ErrRPCInvalidParameter,
		// -5: tx not found, block not found, invalid address or key.
		btcjson.ErrRPCInvalidAddressOrKey:
		return true
	}
	return false
}

// Retryable reports whether another attempt at the same call may succeed.
func Retryable(err error) bool {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return !nodeErr.Terminal()
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	return false
}

// IsNotFound reports whether err is the node saying it does not know the
// requested tx or block. The confirmation sweep turns this into the
// distinguishable "gone" result the reorg heuristic counts.
func IsNotFound(err error) bool {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return false
	}
	// btcjson.ErrRPCNoTxInfo and ErrRPCBlockNotFound share this value.
	return btcjson.RPCErrorCode(nodeErr.Code) == btcjson.ErrRPCInvalidAddressOrKey
}
