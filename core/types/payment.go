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

// Package types contains the data model shared by the chain monitors:
// payments, the deposits detected for them, and the events emitted when a
// payment changes state.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies a supported blockchain.
type Chain string

const (
	ChainBTC Chain = "btc"
	ChainZEC Chain = "zec"
)

// Valid reports whether c names a chain the monitors know about.
func (c Chain) Valid() bool {
	return c == ChainBTC || c == ChainZEC
}

func (c Chain) String() string { return string(c) }

// PaymentStatus is the lifecycle state of a payment. The monitors drive
// pending -> detected -> confirmed and pending -> expired; any other status
// was set by a collaborator outside the monitoring core and is left alone.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusDetected  PaymentStatus = "detected"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusExpired   PaymentStatus = "expired"
	StatusFailed    PaymentStatus = "failed"
)

// Monitorable reports whether a payment in this status is still watched for
// deposits or confirmations.
func (s PaymentStatus) Monitorable() bool {
	return s == StatusPending || s == StatusDetected
}

// Terminal reports whether the status ends the payment's lifecycle.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Payment is a single expected deposit: one customer checkout bound to one
// chain-specific address. The monitoring core never creates payments, it
// only advances their status.
type Payment struct {
	ID            string          `json:"id"`
	MerchantID    string          `json:"merchant_id"`
	OrderID       string          `json:"order_id"`
	Chain         Chain           `json:"chain"`
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"` // expected amount in whole coins
	Status        PaymentStatus   `json:"status"`
	Confirmations int64           `json:"confirmations"`
	TxID          string          `json:"txid,omitempty"` // linked deposit, empty until detected
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	DetectedAt    *time.Time      `json:"detected_at,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

// Expired reports whether the payment window has closed without a deposit.
// A payment that has already been detected is never considered expired, the
// deposit simply arrived close to the deadline.
func (p *Payment) Expired(now time.Time) bool {
	return p.Status == StatusPending && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Copy returns a deep copy of the payment.
func (p *Payment) Copy() *Payment {
	cp := *p
	if p.DetectedAt != nil {
		t := *p.DetectedAt
		cp.DetectedAt = &t
	}
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}
