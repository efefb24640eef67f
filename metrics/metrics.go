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

// Package metrics registers the prometheus collectors shared across the
// monitoring core. Collectors are registered on the default registry; the
// daemon exposes them when a metrics address is configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainwatch"

var (
	PaymentsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_detected_total",
		Help:      "Payments moved from pending to detected.",
	}, []string{"chain"})

	PaymentsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_confirmed_total",
		Help:      "Payments that reached the confirmation threshold.",
	}, []string{"chain"})

	PaymentsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_expired_total",
		Help:      "Payments whose window closed without a deposit.",
	}, []string{"chain"})

	PaymentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_failed_total",
		Help:      "Payments flagged failed, reorged-out deposits included.",
	}, []string{"chain"})

	DepositsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_processed_total",
		Help:      "Deposit observations run through match-and-detect.",
	}, []string{"chain"})

	BlocksScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_scanned_total",
		Help:      "Blocks scanned by catch-up and reconciliation sweeps.",
	}, []string{"chain"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_emitted_total",
		Help:      "Lifecycle events appended to the event store.",
	}, []string{"type"})

	CursorHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cursor_height",
		Help:      "Last fully scanned block height.",
	}, []string{"chain"})

	AddressCacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "address_cache_size",
		Help:      "Monitored addresses in the current cache snapshot.",
	}, []string{"chain", "kind"})

	RPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "retries_total",
		Help:      "RPC attempts beyond the first, per method.",
	}, []string{"method"})

	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "errors_total",
		Help:      "RPC calls that failed after all retries.",
	}, []string{"method", "kind"})

	SubscriberReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "zmq",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts made by the event-stream subscriber.",
	}, []string{"endpoint"})

	SubscriberHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "zmq",
		Name:      "subscriber_healthy",
		Help:      "1 while the subscriber considers its stream healthy.",
	}, []string{"endpoint"})

	SequenceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "zmq",
		Name:      "sequence_gaps_total",
		Help:      "Gaps observed in per-topic publisher sequence numbers.",
	}, []string{"topic"})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
