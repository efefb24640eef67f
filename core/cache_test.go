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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/storage/leveldb"
)

// flakyPayments wraps the store and fails NonTerminalPayments on demand.
type flakyPayments struct {
	*leveldb.Store
	fail atomic.Bool
}

func (f *flakyPayments) NonTerminalPayments(ctx context.Context, chain types.Chain) ([]*types.Payment, error) {
	if f.fail.Load() {
		return nil, errors.New("backend down")
	}
	return f.Store.NonTerminalPayments(ctx, chain)
}

func TestAddressCacheRefresh(t *testing.T) {
	h := newHarness(t, types.ChainZEC, 6)
	ctx := context.Background()
	h.seedPayment(t, "t1transparent", time.Hour)
	h.seedPayment(t, "zs1shielded", time.Hour)

	cache := NewAddressCache(types.ChainZEC, h.store, func(addr string) bool {
		return strings.HasPrefix(addr, "zs1")
	})

	// Before the first refresh the snapshot is empty but usable.
	if snap := cache.Current(); snap.Size() != 0 || snap.Contains("t1transparent") {
		t.Fatalf("initial snapshot not empty: %d", snap.Size())
	}

	snap, err := cache.Refresh(ctx)
	require.NoError(t, err)
	if snap.Size() != 2 {
		t.Fatalf("have %d addresses, want 2", snap.Size())
	}
	if !snap.Transparent().Contains("t1transparent") || !snap.Shielded().Contains("zs1shielded") {
		t.Error("classifier split the sets wrong")
	}
	if p, ok := snap.Lookup("t1transparent"); !ok || p.Address != "t1transparent" {
		t.Error("lookup by address failed")
	}
	if snap.Version() != 1 {
		t.Errorf("version: have %d, want 1", snap.Version())
	}
}

func TestAddressCacheDropsTerminalPayments(t *testing.T) {
	h := newHarness(t, types.ChainBTC, 6)
	ctx := context.Background()
	p := h.seedPayment(t, "bc1qgone", time.Hour)
	h.seedPayment(t, "bc1qstays", time.Hour)

	cache := NewAddressCache(types.ChainBTC, h.store, nil)
	snap, err := cache.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Size())

	_, err = h.store.MarkDetected(ctx, p.ID, "txid-1", h.now)
	require.NoError(t, err)
	_, err = h.store.MarkConfirmed(ctx, p.ID, h.now)
	require.NoError(t, err)

	snap, err = cache.Refresh(ctx)
	require.NoError(t, err)
	if snap.Size() != 1 || snap.Contains("bc1qgone") {
		t.Fatalf("confirmed payment still cached: size %d", snap.Size())
	}
	if snap.Version() != 2 {
		t.Errorf("version: have %d, want 2", snap.Version())
	}
}

func TestAddressCacheKeepsStaleSnapshotOnFailure(t *testing.T) {
	h := newHarness(t, types.ChainBTC, 6)
	ctx := context.Background()
	h.seedPayment(t, "bc1qexample", time.Hour)

	flaky := &flakyPayments{Store: h.store}
	cache := NewAddressCache(types.ChainBTC, flaky, nil)

	snap, err := cache.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Size())

	flaky.fail.Store(true)
	stale, err := cache.Refresh(ctx)
	if err == nil {
		t.Fatal("refresh against a dead backend reported success")
	}
	// A stale snapshot still matches deposits; an empty one would drop them.
	if stale.Size() != 1 || !stale.Contains("bc1qexample") {
		t.Fatalf("stale snapshot lost: size %d", stale.Size())
	}
	if cache.Current() != snap {
		t.Error("current snapshot changed on failed refresh")
	}
}
