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
	"encoding/json"
	"time"
)

// EventType names a payment lifecycle event.
type EventType string

const (
	EventPaymentDetected  EventType = "payment.detected"
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventPaymentExpired   EventType = "payment.expired"
	EventPaymentFailed    EventType = "payment.failed"
)

// Event is a persisted lifecycle notification. Delivery to merchants
// (webhooks, websockets) happens downstream; the monitoring core only
// appends rows.
type Event struct {
	ID         string          `json:"id"`
	MerchantID string          `json:"merchant_id"`
	PaymentID  string          `json:"payment_id"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventPayload is the JSON body attached to every payment event. Amounts are
// rendered as fixed-point strings so consumers never see float artifacts.
type EventPayload struct {
	PaymentID     string    `json:"payment_id"`
	OrderID       string    `json:"order_id"`
	TxID          string    `json:"txid,omitempty"`
	Amount        string    `json:"amount"`
	Confirmations int64     `json:"confirmations"`
	IsShielded    bool      `json:"is_shielded,omitempty"`
	Memo          string    `json:"memo,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Encode renders the payload as its canonical JSON form.
func (p *EventPayload) Encode() json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		// All fields are plain strings and integers; Marshal cannot fail.
		panic(err)
	}
	return b
}
