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

package core

import (
	"context"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/metrics"
	"github.com/coinharbor/chainwatch/storage"
)

// Snapshot is one immutable view of the monitored addresses. Intake paths
// hold a snapshot for the duration of one message or block and never see it
// change underneath them.
type Snapshot struct {
	chain       types.Chain
	version     uint64
	builtAt     time.Time
	byAddress   map[string]*types.Payment
	transparent mapset.Set[string]
	shielded    mapset.Set[string]
	payments    []*types.Payment
}

func emptySnapshot(chain types.Chain) *Snapshot {
	return &Snapshot{
		chain:       chain,
		byAddress:   make(map[string]*types.Payment),
		transparent: mapset.NewSet[string](),
		shielded:    mapset.NewSet[string](),
	}
}

// Contains reports whether addr belongs to a monitored payment.
func (s *Snapshot) Contains(addr string) bool {
	_, ok := s.byAddress[addr]
	return ok
}

// Lookup returns the payment bound to addr at snapshot time.
func (s *Snapshot) Lookup(addr string) (*types.Payment, bool) {
	p, ok := s.byAddress[addr]
	return p, ok
}

// Transparent returns the transparent address set.
func (s *Snapshot) Transparent() mapset.Set[string] { return s.transparent }

// Shielded returns the shielded address set, empty on chains without one.
func (s *Snapshot) Shielded() mapset.Set[string] { return s.shielded }

// Payments returns every payment in the snapshot.
func (s *Snapshot) Payments() []*types.Payment { return s.payments }

// Size returns the number of monitored addresses.
func (s *Snapshot) Size() int { return len(s.byAddress) }

// Version increases by one per refresh.
func (s *Snapshot) Version() uint64 { return s.version }

// AddressCache publishes snapshots of the non-terminal payment set. Readers
// take the current snapshot through an atomic pointer; Refresh builds a new
// one and swaps it in whole, so lookups are lock-free and never observe a
// half-built view.
type AddressCache struct {
	chain      types.Chain
	store      storage.PaymentStore
	isShielded func(string) bool

	version atomic.Uint64
	snap    atomic.Pointer[Snapshot]
	log     *logrus.Entry
}

// NewAddressCache returns a cache starting from an empty snapshot. The
// isShielded classifier may be nil on chains with only transparent
// addresses.
func NewAddressCache(chain types.Chain, store storage.PaymentStore, isShielded func(string) bool) *AddressCache {
	c := &AddressCache{
		chain:      chain,
		store:      store,
		isShielded: isShielded,
		log:        logrus.WithFields(logrus.Fields{"module": "cache", "chain": chain}),
	}
	c.snap.Store(emptySnapshot(chain))
	return c
}

// Current returns the latest snapshot, never nil.
func (c *AddressCache) Current() *Snapshot {
	return c.snap.Load()
}

// Refresh rebuilds the snapshot from the store. On failure the previous
// snapshot stays current: a stale view still matches deposits, an empty one
// would silently drop them.
func (c *AddressCache) Refresh(ctx context.Context) (*Snapshot, error) {
	payments, err := c.store.NonTerminalPayments(ctx, c.chain)
	if err != nil {
		c.log.WithError(err).Warn("cache refresh failed, keeping previous snapshot")
		return c.Current(), err
	}

	snap := emptySnapshot(c.chain)
	snap.version = c.version.Add(1)
	snap.builtAt = time.Now()
	snap.payments = payments
	for _, p := range payments {
		snap.byAddress[p.Address] = p
		if c.isShielded != nil && c.isShielded(p.Address) {
			snap.shielded.Add(p.Address)
		} else {
			snap.transparent.Add(p.Address)
		}
	}
	c.snap.Store(snap)

	metrics.AddressCacheSize.WithLabelValues(string(c.chain), "transparent").Set(float64(snap.transparent.Cardinality()))
	metrics.AddressCacheSize.WithLabelValues(string(c.chain), "shielded").Set(float64(snap.shielded.Cardinality()))
	c.log.WithFields(logrus.Fields{
		"version":     snap.version,
		"addresses":   snap.Size(),
		"transparent": snap.transparent.Cardinality(),
		"shielded":    snap.shielded.Cardinality(),
	}).Debug("address cache refreshed")
	return snap, nil
}
