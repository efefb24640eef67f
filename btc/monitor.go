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

// Package btc monitors a bitcoind-family node for deposits to watched
// addresses. Transactions are picked up twice: immediately through the node's
// ZMQ push notifications, and again by a periodic reconciliation sweep that
// walks every block above the persisted cursor. The sweep makes the monitor
// self-healing; anything the socket misses is found at most one interval
// later.
package btc

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coinharbor/chainwatch/core"
	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/metrics"
	"github.com/coinharbor/chainwatch/rpc"
	"github.com/coinharbor/chainwatch/storage"
	"github.com/coinharbor/chainwatch/zmq"
)

// seenTxCacheSize bounds the dedupe cache for ZMQ transaction notifications.
// bitcoind announces a transaction at least twice, once on mempool acceptance
// and once on block inclusion.
const seenTxCacheSize = 8192

// NodeBackend is the slice of the bitcoind RPC surface the monitor uses.
// *rpc.NodeClient implements it.
type NodeBackend interface {
	core.ConfirmationSource

	BlockCount(ctx context.Context) (int64, error)
	BlockHash(ctx context.Context, height int64) (string, error)
	BlockVerbose(ctx context.Context, hash string) (*rpc.BlockVerbose, error)
	RawMempool(ctx context.Context) ([]string, error)
	RawTransactionVerbose(ctx context.Context, txid string) (*rpc.Tx, error)
}

var _ NodeBackend = (*rpc.NodeClient)(nil)

// Config collects the monitor's collaborators and tuning knobs.
type Config struct {
	Node       NodeBackend
	Store      storage.Store
	Engine     *core.Engine
	Cache      *core.AddressCache
	Subscriber *zmq.Subscriber
	Params     *chaincfg.Params

	// ReconcileInterval is the period of the block sweep that backstops the
	// ZMQ feed. CatchUpBatch bounds how many blocks a single sweep scans.
	ReconcileInterval time.Duration
	RefreshInterval   time.Duration
	CatchUpBatch      int64
	ShutdownGrace     time.Duration

	Logger *logrus.Entry
}

func (cfg *Config) withDefaults() error {
	if cfg.Node == nil || cfg.Store == nil || cfg.Engine == nil || cfg.Cache == nil {
		return errors.New("btc: node, store, engine and cache are required")
	}
	if cfg.Subscriber == nil {
		return errors.New("btc: zmq subscriber is required")
	}
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.CatchUpBatch <= 0 {
		cfg.CatchUpBatch = 500
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Monitor tracks bitcoin deposits for the watched address set.
type Monitor struct {
	cfg    Config
	node   NodeBackend
	store  storage.Store
	engine *core.Engine
	cache  *core.AddressCache
	sub    *zmq.Subscriber
	log    *logrus.Entry

	seenTxs *lru.Cache[string, struct{}]

	// sweepMu serialises block sweeps so a ZMQ block notification and the
	// reconciliation ticker never walk the same range concurrently.
	sweepMu sync.Mutex

	started atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a monitor and registers its ZMQ handlers. The subscriber must not
// have been started yet.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](seenTxCacheSize)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:     cfg,
		node:    cfg.Node,
		store:   cfg.Store,
		engine:  cfg.Engine,
		cache:   cfg.Cache,
		sub:     cfg.Subscriber,
		log:     cfg.Logger.WithField("chain", types.ChainBTC),
		seenTxs: seen,
	}
	m.sub.Handle(zmq.TopicRawTx, m.onRawTx)
	m.sub.Handle(zmq.TopicHashBlock, m.onHashBlock)
	return m, nil
}

// Start loads the watched address set and the block cursor, then launches the
// monitor's background work: initial catch-up, the ZMQ intake, and the
// reconciliation and refresh loops. It returns an error when the store or the
// node cannot supply the state the monitor needs to begin.
func (m *Monitor) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("btc: monitor already started")
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if _, err := m.cache.Refresh(m.ctx); err != nil {
		return errors.Wrap(err, "loading watched addresses")
	}
	if err := m.initCursor(m.ctx); err != nil {
		return errors.Wrap(err, "initialising block cursor")
	}

	m.wg.Add(1)
	go m.run()
	m.log.Info("bitcoin monitor started")
	return nil
}

// Stop shuts the monitor down, giving in-flight work a grace period to
// finish before returning.
func (m *Monitor) Stop() error {
	if !m.started.Load() {
		return errors.New("btc: monitor not started")
	}
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	// The subscriber is started inside run, so it is only stopped once run
	// has finished; stopping it earlier could race a late Start.
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		if err := m.sub.Stop(); err != nil {
			m.log.WithError(err).Debug("subscriber stop")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		m.log.Warn("shutdown grace period elapsed with work still in flight")
	}
	m.log.Info("bitcoin monitor stopped")
	return nil
}

// initCursor loads the persisted scan position. A fresh database starts at
// the node's current tip; historical deposits predate every payment we could
// know about.
func (m *Monitor) initCursor(ctx context.Context) error {
	_, err := m.store.Cursor(ctx, types.ChainBTC)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	tip, err := m.node.BlockCount(ctx)
	if err != nil {
		return err
	}
	if err := m.store.SetCursor(ctx, types.ChainBTC, tip); err != nil {
		return err
	}
	metrics.CursorHeight.WithLabelValues(string(types.ChainBTC)).Set(float64(tip))
	m.log.WithField("height", tip).Info("no cursor found, starting at current tip")
	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()

	m.catchUp(m.ctx)
	select {
	case <-m.ctx.Done():
		return
	default:
	}

	if err := m.sub.Start(); err != nil {
		// The sweep still finds everything, just slower.
		m.log.WithError(err).Error("zmq subscriber failed to start, relying on reconciliation only")
	}

	m.wg.Add(2)
	go m.reconcileLoop()
	go m.refreshLoop()
}

// catchUp scans the mempool once and then walks blocks until the cursor
// reaches the tip. It runs before the ZMQ intake so push notifications only
// ever race against a fully caught-up store.
func (m *Monitor) catchUp(ctx context.Context) {
	if err := m.scanMempool(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.WithError(err).Warn("mempool scan incomplete")
	}
	for {
		caughtUp, err := m.sweep(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.log.WithError(err).Warn("initial catch-up interrupted")
			}
			return
		}
		if caughtUp {
			return
		}
	}
}

func (m *Monitor) reconcileLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reconcile(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Monitor) refreshLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, err := m.cache.Refresh(m.ctx)
			if err != nil {
				m.log.WithError(err).Warn("address cache refresh failed, keeping previous snapshot")
				continue
			}
			m.engine.ExpireOverdue(m.ctx, snap.Payments())
		case <-m.ctx.Done():
			return
		}
	}
}

// reconcile advances the cursor toward the tip and refreshes confirmation
// counts for every tracked transaction. Errors are logged and retried on the
// next tick.
func (m *Monitor) reconcile(ctx context.Context) {
	if _, err := m.sweep(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.WithError(err).Warn("block sweep failed")
		}
		return
	}
	tip, err := m.node.BlockCount(ctx)
	if err != nil {
		m.log.WithError(err).Warn("getblockcount failed")
		return
	}
	if err := m.engine.UpdateConfirmations(ctx, m.node, tip); err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.WithError(err).Warn("confirmation update failed")
		}
	}
}

// sweep scans at most CatchUpBatch blocks above the cursor, persisting the
// cursor after each block so a crash never rescans more than one block. It
// reports whether the cursor reached the tip.
func (m *Monitor) sweep(ctx context.Context) (bool, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	tip, err := m.node.BlockCount(ctx)
	if err != nil {
		return false, errors.Wrap(err, "getblockcount")
	}
	cursor, err := m.store.Cursor(ctx, types.ChainBTC)
	if err != nil {
		return false, errors.Wrap(err, "loading cursor")
	}
	if cursor >= tip {
		return true, nil
	}

	to := cursor + m.cfg.CatchUpBatch
	if to > tip {
		to = tip
	}
	if to-cursor > 1 {
		m.log.WithFields(logrus.Fields{"from": cursor + 1, "to": to, "tip": tip}).Info("scanning block range")
	}
	for height := cursor + 1; height <= to; height++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		hash, err := m.node.BlockHash(ctx, height)
		if err != nil {
			return false, errors.Wrapf(err, "getblockhash %d", height)
		}
		block, err := m.node.BlockVerbose(ctx, hash)
		if err != nil {
			return false, errors.Wrapf(err, "getblock %s", hash)
		}
		confirmations := block.Confirmations
		if confirmations <= 0 {
			confirmations = tip - height + 1
		}
		m.scanBlock(ctx, block, confirmations)
		if err := m.store.SetCursor(ctx, types.ChainBTC, height); err != nil {
			return false, errors.Wrapf(err, "persisting cursor at %d", height)
		}
		metrics.BlocksScanned.WithLabelValues(string(types.ChainBTC)).Inc()
		metrics.CursorHeight.WithLabelValues(string(types.ChainBTC)).Set(float64(height))
	}
	return to >= tip, nil
}

// scanBlock matches every output in the block against the watched address
// set. Deposit-level failures are logged and skipped; the sweep is re-run by
// the reconciliation loop so nothing is lost for good.
func (m *Monitor) scanBlock(ctx context.Context, block *rpc.BlockVerbose, confirmations int64) {
	snap := m.cache.Current()
	if snap.Size() == 0 {
		return
	}
	for i := range block.Txs {
		tx := &block.Txs[i]
		for _, out := range tx.Vout {
			for _, addr := range out.ScriptPubKey.OutputAddresses() {
				if !snap.Contains(addr) {
					continue
				}
				dep := &core.Deposit{
					TxID:          tx.TxID,
					Address:       addr,
					Amount:        out.Value,
					Confirmations: confirmations,
					BlockHash:     block.Hash,
					BlockHeight:   block.Height,
				}
				if err := m.engine.ProcessDeposit(ctx, dep); err != nil {
					m.log.WithError(err).WithFields(logrus.Fields{
						"txid": tx.TxID, "address": addr,
					}).Warn("failed to record deposit")
				}
			}
		}
	}
}

// scanMempool inspects every transaction currently in the node's mempool.
// It runs once at startup to pick up zero-confirmation deposits that arrived
// while the monitor was down.
func (m *Monitor) scanMempool(ctx context.Context) error {
	snap := m.cache.Current()
	if snap.Size() == 0 {
		return nil
	}
	txids, err := m.node.RawMempool(ctx)
	if err != nil {
		return errors.Wrap(err, "getrawmempool")
	}
	m.log.WithField("count", len(txids)).Info("scanning mempool")
	for _, txid := range txids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := m.seenTxs.Get(txid); ok {
			continue
		}
		tx, err := m.node.RawTransactionVerbose(ctx, txid)
		if err != nil {
			if rpc.IsNotFound(err) {
				continue // evicted or mined since getrawmempool
			}
			m.log.WithError(err).WithField("txid", txid).Warn("mempool tx fetch failed")
			continue
		}
		m.processVerboseTx(ctx, tx, snap)
		m.seenTxs.Add(txid, struct{}{})
	}
	return nil
}

// onRawTx handles a ZMQ rawtx notification. The payload is decoded locally
// and its outputs matched against the cache; only on a hit is the full
// transaction fetched over RPC, so unrelated traffic costs no round trips.
func (m *Monitor) onRawTx(payload []byte, _ uint32) error {
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(payload)); err != nil {
		return errors.Wrap(err, "decoding rawtx payload")
	}
	txid := msgTx.TxHash().String()
	if _, ok := m.seenTxs.Get(txid); ok {
		return nil
	}

	snap := m.cache.Current()
	hit := false
	for _, out := range msgTx.TxOut {
		for _, addr := range outputAddresses(out.PkScript, m.cfg.Params) {
			if snap.Contains(addr) {
				hit = true
			}
		}
	}
	if !hit {
		m.seenTxs.Add(txid, struct{}{})
		return nil
	}

	// The verbose form carries confirmations and the block hash in case the
	// notification raced block inclusion.
	tx, err := m.node.RawTransactionVerbose(m.ctx, txid)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", txid)
	}
	m.processVerboseTx(m.ctx, tx, snap)
	m.seenTxs.Add(txid, struct{}{})
	return nil
}

// onHashBlock handles a ZMQ block notification by running a sweep
// immediately instead of waiting for the next reconciliation tick.
func (m *Monitor) onHashBlock(payload []byte, _ uint32) error {
	hash, err := chainhash.NewHash(payload)
	if err != nil {
		return errors.Wrap(err, "decoding hashblock payload")
	}
	m.log.WithField("hash", hash.String()).Debug("new block announced")
	m.reconcile(m.ctx)
	return nil
}

// processVerboseTx records a deposit for every output paying a watched
// address.
func (m *Monitor) processVerboseTx(ctx context.Context, tx *rpc.Tx, snap *core.Snapshot) {
	var height int64
	if tx.Confirmations > 0 {
		// bitcoind's verbose form has no height field; derive it from the
		// tip when the transaction is already mined.
		if tip, err := m.node.BlockCount(ctx); err == nil {
			height = tip - tx.Confirmations + 1
		}
	}
	for _, out := range tx.Vout {
		for _, addr := range out.ScriptPubKey.OutputAddresses() {
			if !snap.Contains(addr) {
				continue
			}
			dep := &core.Deposit{
				TxID:          tx.TxID,
				Address:       addr,
				Amount:        out.Value,
				Confirmations: tx.Confirmations,
				BlockHash:     tx.BlockHash,
				BlockHeight:   height,
			}
			if err := m.engine.ProcessDeposit(ctx, dep); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"txid": tx.TxID, "address": addr,
				}).Warn("failed to record deposit")
			}
		}
	}
}
