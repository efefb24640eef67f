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

// Package storage defines the persistence interfaces the monitors run
// against. Two backends implement them, an embedded leveldb store and a
// PostgreSQL store; tests use the leveldb store over in-memory storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/coinharbor/chainwatch/core/types"
)

var (
	// ErrNotFound is returned when no row matches the query.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned by CreateTransaction when a row with the
	// same (chain, txid, address) key is already present. Intake paths rely
	// on it for idempotence.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// PaymentStore reads payments and advances their status. The Mark methods
// are guarded: they apply only when the payment is in the expected prior
// status and report whether the transition happened, so concurrent intake
// paths cannot double-fire an event.
type PaymentStore interface {
	// Payment returns the payment with the given id.
	Payment(ctx context.Context, id string) (*types.Payment, error)

	// PaymentByAddress returns the payment bound to a deposit address.
	PaymentByAddress(ctx context.Context, chain types.Chain, address string) (*types.Payment, error)

	// NonTerminalPayments returns every payment on the chain still in a
	// monitorable status. The address cache is rebuilt from this set.
	NonTerminalPayments(ctx context.Context, chain types.Chain) ([]*types.Payment, error)

	// MarkDetected moves a pending payment to detected and links the
	// deposit. Returns false when the payment was not pending.
	MarkDetected(ctx context.Context, id, txid string, at time.Time) (bool, error)

	// MarkConfirmed moves a detected payment to confirmed. Returns false
	// when the payment was not detected.
	MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkExpired moves a pending payment to expired. Returns false when
	// the payment was not pending.
	MarkExpired(ctx context.Context, id string, at time.Time) (bool, error)

	// ResetDetection undoes a detection whose transaction vanished: the
	// status returns to pending and the link is cleared. Guarded on the
	// payment being detected and still linked to txid.
	ResetDetection(ctx context.Context, id, txid string) (bool, error)

	// SetConfirmations updates the payment's confirmation count.
	SetConfirmations(ctx context.Context, id string, confirmations int64) error
}

// TransactionStore persists observed deposits.
type TransactionStore interface {
	// CreateTransaction inserts a deposit row. ErrAlreadyExists signals
	// that the (chain, txid, address) key was seen before.
	CreateTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionsByTxID returns all rows recorded for one txid.
	TransactionsByTxID(ctx context.Context, chain types.Chain, txid string) ([]*types.Transaction, error)

	// UnconfirmedTransactions returns rows below the confirmation
	// threshold, the working set of the confirmation sweep.
	UnconfirmedTransactions(ctx context.Context, chain types.Chain, threshold int64) ([]*types.Transaction, error)

	// UpdateConfirmations sets the confirmation count for every row of the
	// txid, recording block hash and height the first time the deposit is
	// seen mined. Height and hash are otherwise immutable.
	UpdateConfirmations(ctx context.Context, chain types.Chain, txid string, confirmations int64, blockHash string, blockHeight int64) error

	// DeleteTransaction removes one deposit row. Only the reorg path uses
	// it, so a re-detection can recreate the row.
	DeleteTransaction(ctx context.Context, chain types.Chain, txid, address string) error
}

// EventStore appends payment lifecycle events for downstream delivery.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *types.Event) error
}

// CursorStore persists the last fully scanned block height per chain.
// Implementations never move a cursor backwards.
type CursorStore interface {
	// Cursor returns the stored height, or ErrNotFound before first write.
	Cursor(ctx context.Context, chain types.Chain) (int64, error)

	// SetCursor stores height if it is above the current value.
	SetCursor(ctx context.Context, chain types.Chain, height int64) error
}

// Store bundles everything the monitors persist against one backend.
type Store interface {
	PaymentStore
	TransactionStore
	EventStore
	CursorStore
	Close() error
}

// ViewingKey is the incoming viewing key material for one shielded address.
type ViewingKey struct {
	Key      string // bech32 incoming viewing key
	Birthday int64  // block height the address was created at, 0 if unknown
}

// WalletService hands out viewing keys for shielded deposit addresses. It is
// backed by the platform's wallet subsystem, outside this module.
type WalletService interface {
	ViewingKey(ctx context.Context, address string) (*ViewingKey, error)
}
