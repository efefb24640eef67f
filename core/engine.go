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

// Package core drives the payment state machine. The chain monitors feed it
// deposit observations and confirmation snapshots; the engine matches them
// against payments, advances pending -> detected -> confirmed (or expired),
// detects reorged-out deposits and appends lifecycle events. Every path is
// idempotent, so push notifications, catch-up scans and reconciliation
// sweeps can overlap freely.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/metrics"
	"github.com/coinharbor/chainwatch/rpc"
	"github.com/coinharbor/chainwatch/storage"
)

// reorgMissLimit is how many consecutive sweeps must report a deposit gone
// before the engine treats it as reorged out.
const reorgMissLimit = 3

// Deposit is one observed payment output, normalized across every intake
// path (push notification, mempool scan, block scan, poll).
type Deposit struct {
	Address       string
	TxID          string
	Amount        decimal.Decimal
	Confirmations int64
	BlockHash     string // empty while unmined
	BlockHeight   int64  // 0 while unmined or unknown
	Shielded      bool
	Memo          string
}

// ConfirmationSource resolves the live confirmation state of a txid. Both
// node clients satisfy it.
type ConfirmationSource interface {
	Confirmations(ctx context.Context, txid string) (*rpc.TxStatus, error)
}

// Engine applies observations to the payment state machine for one chain.
// Methods are safe for concurrent use; the storage guards make concurrent
// duplicate observations collapse into one transition.
type Engine struct {
	chain     types.Chain
	store     storage.Store
	threshold int64
	log       *logrus.Entry
	now       func() time.Time

	mu     sync.Mutex
	misses map[string]int // deposit row key -> consecutive gone count
}

// NewEngine returns an engine enforcing the given confirmation threshold.
func NewEngine(chain types.Chain, store storage.Store, confirmationThreshold int64) *Engine {
	return &Engine{
		chain:     chain,
		store:     store,
		threshold: confirmationThreshold,
		log:       logrus.WithFields(logrus.Fields{"module": "engine", "chain": chain}),
		now:       func() time.Time { return time.Now().UTC() },
		misses:    make(map[string]int),
	}
}

// Threshold returns the confirmation threshold the engine enforces.
func (e *Engine) Threshold() int64 { return e.threshold }

// ProcessDeposit runs match-and-detect for one observed output. Unknown
// addresses, non-monitorable payments and already-recorded deposits are
// silent no-ops; the first observation records the deposit, moves the
// payment to detected and emits payment.detected.
func (e *Engine) ProcessDeposit(ctx context.Context, dep *Deposit) error {
	payment, err := e.store.PaymentByAddress(ctx, e.chain, dep.Address)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "lookup payment for %s", dep.Address)
	}
	if !payment.Status.Monitorable() {
		e.log.WithFields(logrus.Fields{
			"payment": payment.ID,
			"status":  payment.Status,
			"txid":    dep.TxID,
		}).Debug("deposit for payment outside monitoring scope")
		return nil
	}

	now := e.now()
	row := &types.Transaction{
		ID:            uuid.NewString(),
		PaymentID:     payment.ID,
		Chain:         e.chain,
		TxID:          dep.TxID,
		Address:       dep.Address,
		Amount:        dep.Amount,
		Confirmations: dep.Confirmations,
		BlockHash:     dep.BlockHash,
		BlockHeight:   dep.BlockHeight,
		Shielded:      dep.Shielded,
		Memo:          dep.Memo,
		DetectedAt:    now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateTransaction(ctx, row); err != nil {
		if err == storage.ErrAlreadyExists {
			return nil
		}
		return errors.Wrapf(err, "record deposit %s", dep.TxID)
	}
	metrics.DepositsProcessed.WithLabelValues(string(e.chain)).Inc()

	detected, err := e.store.MarkDetected(ctx, payment.ID, dep.TxID, now)
	if err != nil {
		return errors.Wrapf(err, "mark payment %s detected", payment.ID)
	}
	if !detected {
		// A second transaction paying the same address; the first one won
		// the link and this row rides along for audit.
		e.log.WithFields(logrus.Fields{
			"payment": payment.ID,
			"txid":    dep.TxID,
		}).Debug("supplemental deposit recorded")
		return nil
	}

	metrics.PaymentsDetected.WithLabelValues(string(e.chain)).Inc()
	e.log.WithFields(logrus.Fields{
		"payment":       payment.ID,
		"txid":          dep.TxID,
		"amount":        types.FormatAmount(dep.Amount),
		"confirmations": dep.Confirmations,
		"shielded":      dep.Shielded,
	}).Info("payment detected")
	e.emit(ctx, payment, types.EventPaymentDetected, &types.EventPayload{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		TxID:          dep.TxID,
		Amount:        types.FormatAmount(dep.Amount),
		Confirmations: dep.Confirmations,
		IsShielded:    dep.Shielded,
		Memo:          dep.Memo,
		Timestamp:     now,
	})

	if dep.Confirmations > 0 {
		if err := e.store.SetConfirmations(ctx, payment.ID, dep.Confirmations); err != nil {
			return errors.Wrapf(err, "set confirmations for %s", payment.ID)
		}
	}
	// Catch-up can surface a deposit that is already deep enough.
	if dep.Confirmations >= e.threshold {
		e.confirm(ctx, payment, row, dep.Confirmations)
	}
	return nil
}

// UpdateConfirmations refreshes every deposit below the threshold against
// the node and advances payments that reached it. tip is the node's current
// height, used to derive block heights on nodes that omit them; 0 skips the
// derivation. Per-deposit failures are logged and do not stop the sweep.
func (e *Engine) UpdateConfirmations(ctx context.Context, src ConfirmationSource, tip int64) error {
	txs, err := e.store.UnconfirmedTransactions(ctx, e.chain, e.threshold)
	if err != nil {
		return errors.Wrap(err, "load unconfirmed deposits")
	}
	for _, tx := range txs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status, err := src.Confirmations(ctx, tx.TxID)
		if err != nil {
			// Transient node trouble is not evidence of a reorg.
			e.log.WithError(err).WithField("txid", tx.TxID).Warn("confirmation lookup failed")
			continue
		}
		if status.Gone {
			e.registerMiss(ctx, tx)
			continue
		}
		e.clearMiss(tx)
		if err := e.applyStatus(ctx, tx, status, tip); err != nil {
			e.log.WithError(err).WithField("txid", tx.TxID).Warn("confirmation update failed")
		}
	}
	return nil
}

func (e *Engine) applyStatus(ctx context.Context, tx *types.Transaction, status *rpc.TxStatus, tip int64) error {
	confs := status.Confirmations
	if confs != tx.Confirmations || (status.BlockHash != "" && tx.BlockHash == "") {
		height := status.BlockHeight
		if height == 0 && confs > 0 && tip > 0 {
			height = tip - confs + 1
		}
		if err := e.store.UpdateConfirmations(ctx, e.chain, tx.TxID, confs, status.BlockHash, height); err != nil {
			return err
		}
	}

	payment, err := e.store.Payment(ctx, tx.PaymentID)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	// After a reorg reset the payment may have re-detected through another
	// transaction; this row no longer speaks for it.
	if payment.TxID != tx.TxID {
		return nil
	}
	if payment.Confirmations != confs {
		if err := e.store.SetConfirmations(ctx, payment.ID, confs); err != nil {
			return err
		}
	}
	if confs >= e.threshold {
		e.confirm(ctx, payment, tx, confs)
	}
	return nil
}

// confirm finalizes a detected payment. The status guard makes duplicate
// calls collapse: exactly one payment.confirmed event fires per payment.
func (e *Engine) confirm(ctx context.Context, payment *types.Payment, tx *types.Transaction, confs int64) {
	ok, err := e.store.MarkConfirmed(ctx, payment.ID, e.now())
	if err != nil {
		e.log.WithError(err).WithField("payment", payment.ID).Warn("confirm transition failed")
		return
	}
	if !ok {
		return
	}
	metrics.PaymentsConfirmed.WithLabelValues(string(e.chain)).Inc()
	e.log.WithFields(logrus.Fields{
		"payment":       payment.ID,
		"txid":          tx.TxID,
		"confirmations": confs,
	}).Info("payment confirmed")
	e.emit(ctx, payment, types.EventPaymentConfirmed, &types.EventPayload{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		TxID:          tx.TxID,
		Amount:        types.FormatAmount(tx.Amount),
		Confirmations: confs,
		IsShielded:    tx.Shielded,
		Memo:          tx.Memo,
		Timestamp:     e.now(),
	})
}

// ExpireOverdue closes pending payments whose window has passed. Returns
// the number of payments expired. A payment that got detected since the
// list was built keeps its deposit; the guard refuses the expiry.
func (e *Engine) ExpireOverdue(ctx context.Context, payments []*types.Payment) int {
	now := e.now()
	expired := 0
	for _, p := range payments {
		if !p.Expired(now) {
			continue
		}
		ok, err := e.store.MarkExpired(ctx, p.ID, now)
		if err != nil {
			e.log.WithError(err).WithField("payment", p.ID).Warn("expire transition failed")
			continue
		}
		if !ok {
			continue
		}
		expired++
		metrics.PaymentsExpired.WithLabelValues(string(e.chain)).Inc()
		e.log.WithFields(logrus.Fields{
			"payment":    p.ID,
			"expired_at": p.ExpiresAt,
		}).Info("payment expired")
		e.emit(ctx, p, types.EventPaymentExpired, &types.EventPayload{
			PaymentID: p.ID,
			OrderID:   p.OrderID,
			Amount:    types.FormatAmount(p.Amount),
			Timestamp: now,
		})
	}
	return expired
}

func missKey(tx *types.Transaction) string {
	return tx.TxID + ":" + tx.Address
}

func (e *Engine) clearMiss(tx *types.Transaction) {
	e.mu.Lock()
	delete(e.misses, missKey(tx))
	e.mu.Unlock()
}

// registerMiss counts one sweep that could not find the deposit. At the
// limit the deposit is treated as reorged out.
func (e *Engine) registerMiss(ctx context.Context, tx *types.Transaction) {
	e.mu.Lock()
	e.misses[missKey(tx)]++
	n := e.misses[missKey(tx)]
	if n >= reorgMissLimit {
		delete(e.misses, missKey(tx))
	}
	e.mu.Unlock()

	if n < reorgMissLimit {
		e.log.WithFields(logrus.Fields{
			"txid":   tx.TxID,
			"misses": n,
		}).Debug("deposit not found by node")
		return
	}
	e.reorgOut(ctx, tx)
}

// reorgOut rewrites state for a deposit the chain dropped: the row is
// deleted so a re-broadcast can re-detect, and the payment returns to
// pending unless it was already confirmed. Confirmed payments are never
// rolled back; downstream gets a payment.failed event to adjudicate.
func (e *Engine) reorgOut(ctx context.Context, tx *types.Transaction) {
	e.log.WithFields(logrus.Fields{
		"txid":    tx.TxID,
		"address": tx.Address,
		"payment": tx.PaymentID,
	}).Warn("deposit vanished from chain, treating as reorged out")

	if err := e.store.DeleteTransaction(ctx, e.chain, tx.TxID, tx.Address); err != nil {
		e.log.WithError(err).WithField("txid", tx.TxID).Warn("reorged deposit row not deleted")
	}

	payment, err := e.store.Payment(ctx, tx.PaymentID)
	if err != nil {
		if err != storage.ErrNotFound {
			e.log.WithError(err).WithField("payment", tx.PaymentID).Warn("reorg payment lookup failed")
		}
		return
	}

	if payment.Status == types.StatusConfirmed {
		metrics.PaymentsFailed.WithLabelValues(string(e.chain)).Inc()
		e.emit(ctx, payment, types.EventPaymentFailed, &types.EventPayload{
			PaymentID:     payment.ID,
			OrderID:       payment.OrderID,
			TxID:          tx.TxID,
			Amount:        types.FormatAmount(tx.Amount),
			Confirmations: payment.Confirmations,
			Reason:        "confirmed transaction missing after reorg",
			Timestamp:     e.now(),
		})
		return
	}

	reset, err := e.store.ResetDetection(ctx, payment.ID, tx.TxID)
	if err != nil {
		e.log.WithError(err).WithField("payment", payment.ID).Warn("detection reset failed")
		return
	}
	if reset {
		e.log.WithFields(logrus.Fields{
			"payment": payment.ID,
			"txid":    tx.TxID,
		}).Info("detection rolled back, payment pending again")
	}
}

// emit appends one lifecycle event. The state transition has already been
// persisted; losing the event is logged loudly but never rolls it back.
func (e *Engine) emit(ctx context.Context, p *types.Payment, typ types.EventType, payload *types.EventPayload) {
	ev := &types.Event{
		ID:         uuid.NewString(),
		MerchantID: p.MerchantID,
		PaymentID:  p.ID,
		Type:       typ,
		Payload:    payload.Encode(),
		CreatedAt:  e.now(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"payment": p.ID,
			"type":    typ,
		}).Error("event append failed, state change is not reflected downstream")
		return
	}
	metrics.EventsEmitted.WithLabelValues(string(typ)).Inc()
}
