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
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/coinharbor/chainwatch/core"
	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/rpc"
	"github.com/coinharbor/chainwatch/storage"
	ldb "github.com/coinharbor/chainwatch/storage/leveldb"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func blockHashAt(height int64) string {
	return fmt.Sprintf("%064d", height)
}

type importCall struct {
	key    string
	rescan string
	from   int64
}

// fakeBackend is an in-memory zcashd: a linear chain, per-address unspent
// outputs and received notes, and a viewing key import recorder.
type fakeBackend struct {
	mu        sync.Mutex
	tip       int64
	byHeight  map[int64]*rpc.BlockVerbose
	byHash    map[string]*rpc.BlockVerbose
	unspent   map[string][]Unspent
	notes     map[string][]ShieldedReceived
	minedAt   map[string]int64
	statuses  map[string]*rpc.TxStatus
	imports   []importCall
	importErr error
}

func newFakeBackend(tip int64) *fakeBackend {
	b := &fakeBackend{
		byHeight: make(map[int64]*rpc.BlockVerbose),
		byHash:   make(map[string]*rpc.BlockVerbose),
		unspent:  make(map[string][]Unspent),
		notes:    make(map[string][]ShieldedReceived),
		minedAt:  make(map[string]int64),
		statuses: make(map[string]*rpc.TxStatus),
	}
	for h := int64(1); h <= tip; h++ {
		b.appendBlock()
	}
	return b
}

func (b *fakeBackend) appendBlock(txs ...rpc.Tx) *rpc.BlockVerbose {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.tip + 1
	b.tip = h
	blk := &rpc.BlockVerbose{Hash: blockHashAt(h), Height: h, Txs: txs}
	for _, tx := range txs {
		b.minedAt[tx.TxID] = h
	}
	b.byHeight[h] = blk
	b.byHash[blk.Hash] = blk
	return blk
}

func (b *fakeBackend) addUnspent(addr string, u Unspent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unspent[addr] = append(b.unspent[addr], u)
	b.statuses[u.TxID] = &rpc.TxStatus{Confirmations: u.Confirmations}
}

func (b *fakeBackend) addNote(addr string, n ShieldedReceived) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes[addr] = append(b.notes[addr], n)
	b.statuses[n.TxID] = &rpc.TxStatus{Confirmations: n.Confirmations}
}

func (b *fakeBackend) importCalls() []importCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]importCall, len(b.imports))
	copy(out, b.imports)
	return out
}

func (b *fakeBackend) failNextImport(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.importErr = err
}

func (b *fakeBackend) BlockCount(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tip, nil
}

func (b *fakeBackend) BlockHash(ctx context.Context, height int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.byHeight[height]
	if !ok {
		return "", &rpc.NodeError{Code: -8, Message: "Block height out of range"}
	}
	return blk.Hash, nil
}

func (b *fakeBackend) BlockVerbose(ctx context.Context, hash string) (*rpc.BlockVerbose, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.byHash[hash]
	if !ok {
		return nil, &rpc.NodeError{Code: -5, Message: "Block not found"}
	}
	cp := *blk
	cp.Confirmations = b.tip - blk.Height + 1
	return &cp, nil
}

func (b *fakeBackend) ListUnspent(ctx context.Context, addresses []string) ([]Unspent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Unspent
	for _, addr := range addresses {
		out = append(out, b.unspent[addr]...)
	}
	return out, nil
}

func (b *fakeBackend) ZListReceivedByAddress(ctx context.Context, address string) ([]ShieldedReceived, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notes[address], nil
}

func (b *fakeBackend) ZImportViewingKey(ctx context.Context, key, rescan string, startHeight int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.importErr != nil {
		err := b.importErr
		b.importErr = nil
		return err
	}
	b.imports = append(b.imports, importCall{key: key, rescan: rescan, from: startHeight})
	return nil
}

func (b *fakeBackend) Confirmations(ctx context.Context, txid string) (*rpc.TxStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.minedAt[txid]; ok {
		return &rpc.TxStatus{
			Confirmations: b.tip - h + 1,
			BlockHash:     blockHashAt(h),
			BlockHeight:   h,
		}, nil
	}
	if st, ok := b.statuses[txid]; ok {
		cp := *st
		return &cp, nil
	}
	return &rpc.TxStatus{Gone: true}, nil
}

type fakeWallet struct {
	mu   sync.Mutex
	keys map[string]*storage.ViewingKey
}

func (w *fakeWallet) ViewingKey(ctx context.Context, address string) (*storage.ViewingKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	vk, ok := w.keys[address]
	if !ok {
		return nil, errors.Errorf("no viewing key for %s", address)
	}
	return vk, nil
}

func (w *fakeWallet) setKey(address string, vk *storage.ViewingKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[address] = vk
}

type zecHarness struct {
	backend *fakeBackend
	store   *ldb.Store
	engine  *core.Engine
	cache   *core.AddressCache
	wallet  *fakeWallet
	mon     *Monitor
}

func newZecHarness(t *testing.T, backend *fakeBackend, opts ...func(*Config)) *zecHarness {
	t.Helper()
	store := ldb.NewMemory()
	t.Cleanup(func() { store.Close() })

	engine := core.NewEngine(types.ChainZEC, store, 6)
	cache := core.NewAddressCache(types.ChainZEC, store, IsShieldedAddress)
	wallet := &fakeWallet{keys: make(map[string]*storage.ViewingKey)}

	cfg := Config{
		Node:             backend,
		Store:            store,
		Engine:           engine,
		Cache:            cache,
		Wallet:           wallet,
		PollInterval:     10 * time.Millisecond,
		RefreshInterval:  10 * time.Millisecond,
		CatchUpBatch:     500,
		ShieldedLookback: 1152,
		ShutdownGrace:    5 * time.Second,
		Logger:           testLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	mon, err := New(cfg)
	require.NoError(t, err)
	return &zecHarness{backend: backend, store: store, engine: engine, cache: cache, wallet: wallet, mon: mon}
}

func (h *zecHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mon.Start())
	t.Cleanup(func() { h.mon.Stop() })
}

func (h *zecHarness) seedPayment(t *testing.T, id, addr string) *types.Payment {
	t.Helper()
	now := time.Now().UTC()
	p := &types.Payment{
		ID:         id,
		MerchantID: "m-1",
		OrderID:    "order-" + id,
		Chain:      types.ChainZEC,
		Address:    addr,
		Amount:     decimal.RequireFromString("1.25"),
		Status:     types.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, h.store.CreatePayment(context.Background(), p))
	return p
}

func (h *zecHarness) waitStatus(t *testing.T, id string, want types.PaymentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := h.store.Payment(context.Background(), id)
		return err == nil && p.Status == want
	}, waitFor, tick, "payment %s never reached %s", id, want)
}

func (h *zecHarness) cursor(t *testing.T) int64 {
	t.Helper()
	c, err := h.store.Cursor(context.Background(), types.ChainZEC)
	require.NoError(t, err)
	return c
}

const (
	tAddr = "t1KVxyzT1kK9yJrzXJvW2pEny9ebGAnSMkR"
	zAddr = "zs1z7rejlpsa98s2rrrfkwmaxu53e4ue0ulcrw0h4x5g8jl04tak0d3mm47vdtpcy"
)

func transparentTx(txid, addr, amount string) rpc.Tx {
	return rpc.Tx{
		TxID: txid,
		Vout: []rpc.TxOut{{
			Value:        decimal.RequireFromString(amount),
			N:            0,
			ScriptPubKey: rpc.ScriptPubKey{Addresses: []string{addr}},
		}},
	}
}

func TestTransparentMempoolDetection(t *testing.T) {
	backend := newFakeBackend(100)
	h := newZecHarness(t, backend)
	h.seedPayment(t, "pay-1", tAddr)

	backend.addUnspent(tAddr, Unspent{
		TxID:      "tx-mempool",
		Address:   tAddr,
		Amount:    decimal.RequireFromString("0.25"),
		AmountZat: 25_000_000,
	})

	h.start(t)
	h.waitStatus(t, "pay-1", types.StatusDetected)

	rows, err := h.store.TransactionsByTxID(context.Background(), types.ChainZEC, "tx-mempool")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	if rows[0].Confirmations != 0 {
		t.Errorf("confirmations: have %d, want 0", rows[0].Confirmations)
	}
	if rows[0].Shielded {
		t.Error("transparent deposit marked shielded")
	}
	if got := types.FormatAmount(rows[0].Amount); got != "0.25000000" {
		t.Errorf("amount: have %s, want 0.25000000", got)
	}

	// Repeated polls must not duplicate the row.
	require.Never(t, func() bool {
		rows, err := h.store.TransactionsByTxID(context.Background(), types.ChainZEC, "tx-mempool")
		return err != nil || len(rows) != 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestShieldedNoteDetection(t *testing.T) {
	backend := newFakeBackend(5000)
	h := newZecHarness(t, backend)
	h.seedPayment(t, "pay-1", zAddr)
	h.wallet.setKey(zAddr, &storage.ViewingKey{Key: "zxviews1abc", Birthday: 4000})

	memoHex := hex.EncodeToString([]byte("order-77"))
	backend.addNote(zAddr, ShieldedReceived{
		TxID:          "tx-note",
		AmountZat:     100_000_000,
		Memo:          memoHex,
		Confirmations: 3,
	})

	h.start(t)
	h.waitStatus(t, "pay-1", types.StatusDetected)

	rows, err := h.store.TransactionsByTxID(context.Background(), types.ChainZEC, "tx-note")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	if !rows[0].Shielded {
		t.Error("shielded deposit not marked shielded")
	}
	if rows[0].Memo != "order-77" {
		t.Errorf("memo: have %q, want order-77", rows[0].Memo)
	}
	if got := types.FormatAmount(rows[0].Amount); got != "1.00000000" {
		t.Errorf("amount: have %s, want 1.00000000", got)
	}

	calls := backend.importCalls()
	require.Len(t, calls, 1)
	if calls[0].rescan != RescanWhenKeyIsNew || calls[0].from != 4000 {
		t.Errorf("import call: have %+v, want whenkeyisnew from 4000", calls[0])
	}
}

func TestShieldedChangeSkipped(t *testing.T) {
	backend := newFakeBackend(100)
	h := newZecHarness(t, backend)
	h.seedPayment(t, "pay-1", zAddr)
	h.wallet.setKey(zAddr, &storage.ViewingKey{Key: "zxviews1abc", Birthday: 50})

	backend.addNote(zAddr, ShieldedReceived{
		TxID:          "tx-change",
		AmountZat:     10_000_000,
		Confirmations: 1,
		Change:        true,
	})

	h.start(t)
	require.Never(t, func() bool {
		p, err := h.store.Payment(context.Background(), "pay-1")
		return err != nil || p.Status != types.StatusPending
	}, 150*time.Millisecond, 10*time.Millisecond, "change note must not detect a payment")
}

func TestViewingKeyLookbackWhenBirthdayUnknown(t *testing.T) {
	backend := newFakeBackend(5000)
	h := newZecHarness(t, backend)
	h.seedPayment(t, "pay-1", zAddr)
	h.wallet.setKey(zAddr, &storage.ViewingKey{Key: "zxviews1abc"})

	h.start(t)
	require.Eventually(t, func() bool {
		return len(backend.importCalls()) == 1
	}, waitFor, tick)

	call := backend.importCalls()[0]
	if call.rescan != RescanYes {
		t.Errorf("rescan: have %s, want yes", call.rescan)
	}
	if call.from != 5000-1152 {
		t.Errorf("rescan start: have %d, want %d", call.from, 5000-1152)
	}
}

func TestViewingKeyImportRetried(t *testing.T) {
	backend := newFakeBackend(5000)
	h := newZecHarness(t, backend)
	h.seedPayment(t, "pay-1", zAddr)
	h.wallet.setKey(zAddr, &storage.ViewingKey{Key: "zxviews1abc", Birthday: 4000})
	backend.failNextImport(errors.New("wallet is locked"))

	h.start(t)
	require.Eventually(t, func() bool {
		return len(backend.importCalls()) == 1
	}, waitFor, tick, "failed import never retried")

	// Once imported the key must not be imported again.
	require.Never(t, func() bool {
		return len(backend.importCalls()) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSweepDetectsMinedTransparent(t *testing.T) {
	backend := newFakeBackend(50)
	h := newZecHarness(t, backend)
	h.seedPayment(t, "pay-1", tAddr)

	h.start(t)
	if got := h.cursor(t); got != 50 {
		t.Fatalf("cursor after fresh start: have %d, want 50", got)
	}

	backend.appendBlock(transparentTx("tx-mined", tAddr, "1.25")) // 51
	h.waitStatus(t, "pay-1", types.StatusDetected)
	require.Eventually(t, func() bool { return h.cursor(t) == 51 }, waitFor, tick)

	rows, err := h.store.TransactionsByTxID(context.Background(), types.ChainZEC, "tx-mined")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	if rows[0].BlockHeight != 51 {
		t.Errorf("block height: have %d, want 51", rows[0].BlockHeight)
	}
}

func TestConfirmationsAdvanceToThreshold(t *testing.T) {
	backend := newFakeBackend(50)
	h := newZecHarness(t, backend)
	h.seedPayment(t, "pay-1", tAddr)

	h.start(t)
	backend.appendBlock(transparentTx("tx-mined", tAddr, "1.25")) // 51
	h.waitStatus(t, "pay-1", types.StatusDetected)

	for i := 0; i < 5; i++ { // 52..56, six confirmations
		backend.appendBlock()
	}
	h.waitStatus(t, "pay-1", types.StatusConfirmed)

	p, err := h.store.Payment(context.Background(), "pay-1")
	require.NoError(t, err)
	if p.Confirmations < 6 {
		t.Errorf("confirmations: have %d, want >= 6", p.Confirmations)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newZecHarness(t, newFakeBackend(10))
	require.Error(t, h.mon.Stop(), "stop before start must fail")

	require.NoError(t, h.mon.Start())
	require.Error(t, h.mon.Start())
	require.NoError(t, h.mon.Stop())
	require.NoError(t, h.mon.Stop(), "second stop is a no-op")
}
