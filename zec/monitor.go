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

// Package zec monitors a zcashd node for deposits to watched transparent and
// shielded addresses. zcashd publishes no usable push feed for shielded
// notes, so the monitor polls: each cycle walks new blocks for transparent
// outputs, lists unspent outputs for mempool arrivals, and asks the wallet's
// viewing keys for received notes per shielded address. Viewing keys are
// imported on demand when a shielded address first enters the watched set.
package zec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coinharbor/chainwatch/core"
	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/metrics"
	"github.com/coinharbor/chainwatch/rpc"
	"github.com/coinharbor/chainwatch/storage"
)

// Backend is the slice of the zcashd RPC surface the monitor uses. *Client
// implements it.
type Backend interface {
	core.ConfirmationSource

	BlockCount(ctx context.Context) (int64, error)
	BlockHash(ctx context.Context, height int64) (string, error)
	BlockVerbose(ctx context.Context, hash string) (*rpc.BlockVerbose, error)
	ListUnspent(ctx context.Context, addresses []string) ([]Unspent, error)
	ZListReceivedByAddress(ctx context.Context, address string) ([]ShieldedReceived, error)
	ZImportViewingKey(ctx context.Context, key, rescan string, startHeight int64) error
}

var _ Backend = (*Client)(nil)

// Config collects the monitor's collaborators and tuning knobs.
type Config struct {
	Node   Backend
	Store  storage.Store
	Engine *core.Engine
	Cache  *core.AddressCache

	// Wallet supplies viewing keys for shielded addresses. nil disables
	// imports, for deployments that provision the node wallet out of band.
	Wallet storage.WalletService

	PollInterval    time.Duration
	RefreshInterval time.Duration
	CatchUpBatch    int64

	// ShieldedLookback is how many blocks a viewing key rescan covers when
	// the address birthday is unknown.
	ShieldedLookback int64
	ShutdownGrace    time.Duration

	Logger *logrus.Entry
}

func (cfg *Config) withDefaults() error {
	if cfg.Node == nil || cfg.Store == nil || cfg.Engine == nil || cfg.Cache == nil {
		return errors.New("zec: node, store, engine and cache are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.CatchUpBatch <= 0 {
		cfg.CatchUpBatch = 500
	}
	if cfg.ShieldedLookback <= 0 {
		cfg.ShieldedLookback = 1152 // roughly one day at 75s blocks
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Monitor tracks zcash deposits for the watched address set.
type Monitor struct {
	cfg    Config
	node   Backend
	store  storage.Store
	engine *core.Engine
	cache  *core.AddressCache
	wallet storage.WalletService
	log    *logrus.Entry

	// imported tracks viewing keys already registered with the node. Only
	// the goroutine running imports touches it.
	imported map[string]struct{}

	sweepMu sync.Mutex

	started atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a zcash monitor.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:      cfg,
		node:     cfg.Node,
		store:    cfg.Store,
		engine:   cfg.Engine,
		cache:    cfg.Cache,
		wallet:   cfg.Wallet,
		log:      cfg.Logger.WithField("chain", types.ChainZEC),
		imported: make(map[string]struct{}),
	}, nil
}

// Start loads the watched address set and the block cursor, then launches
// the poll and refresh loops.
func (m *Monitor) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("zec: monitor already started")
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
	m.log.Info("zcash monitor started")
	return nil
}

// Stop shuts the monitor down, giving in-flight work a grace period to
// finish before returning.
func (m *Monitor) Stop() error {
	if !m.started.Load() {
		return errors.New("zec: monitor not started")
	}
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		m.log.Warn("shutdown grace period elapsed with work still in flight")
	}
	m.log.Info("zcash monitor stopped")
	return nil
}

func (m *Monitor) initCursor(ctx context.Context) error {
	_, err := m.store.Cursor(ctx, types.ChainZEC)
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
	if err := m.store.SetCursor(ctx, types.ChainZEC, tip); err != nil {
		return err
	}
	metrics.CursorHeight.WithLabelValues(string(types.ChainZEC)).Set(float64(tip))
	m.log.WithField("height", tip).Info("no cursor found, starting at current tip")
	return nil
}

func (m *Monitor) run() {
	defer m.wg.Done()

	// Keys must be registered before the first shielded poll or the node
	// rejects the z_listreceivedbyaddress calls.
	m.importViewingKeys(m.ctx)
	m.catchUp(m.ctx)
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	m.poll(m.ctx)

	m.wg.Add(2)
	go m.pollLoop()
	go m.refreshLoop()
}

func (m *Monitor) catchUp(ctx context.Context) {
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

func (m *Monitor) pollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.poll(m.ctx)
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
			m.importViewingKeys(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

// poll runs one monitoring cycle: advance the block cursor, pick up mempool
// deposits for transparent addresses, list received notes per shielded
// address, then refresh confirmation counts. Each stage is independent so a
// failing call costs only its own stage.
func (m *Monitor) poll(ctx context.Context) {
	if _, err := m.sweep(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.log.WithError(err).Warn("block sweep failed")
	}

	snap := m.cache.Current()
	m.pollTransparent(ctx, snap)
	m.pollShielded(ctx, snap)

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

// sweep scans at most CatchUpBatch blocks above the cursor for transparent
// outputs, persisting the cursor after each block. Shielded outputs are not
// visible in block data; the note poll covers them.
func (m *Monitor) sweep(ctx context.Context) (bool, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	tip, err := m.node.BlockCount(ctx)
	if err != nil {
		return false, errors.Wrap(err, "getblockcount")
	}
	cursor, err := m.store.Cursor(ctx, types.ChainZEC)
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
		if err := m.store.SetCursor(ctx, types.ChainZEC, height); err != nil {
			return false, errors.Wrapf(err, "persisting cursor at %d", height)
		}
		metrics.BlocksScanned.WithLabelValues(string(types.ChainZEC)).Inc()
		metrics.CursorHeight.WithLabelValues(string(types.ChainZEC)).Set(float64(height))
	}
	return to >= tip, nil
}

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

// pollTransparent lists unspent outputs for every watched transparent
// address, catching zero-confirmation deposits the block sweep cannot see
// yet.
func (m *Monitor) pollTransparent(ctx context.Context, snap *core.Snapshot) {
	addrs := snap.Transparent().ToSlice()
	if len(addrs) == 0 {
		return
	}
	utxos, err := m.node.ListUnspent(ctx, addrs)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.WithError(err).Warn("listunspent failed")
		}
		return
	}
	for i := range utxos {
		u := &utxos[i]
		dep := &core.Deposit{
			TxID:          u.TxID,
			Address:       u.Address,
			Amount:        u.Value(),
			Confirmations: u.Confirmations,
		}
		if err := m.engine.ProcessDeposit(ctx, dep); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"txid": u.TxID, "address": u.Address,
			}).Warn("failed to record deposit")
		}
	}
}

// pollShielded asks the node for the notes received by each watched shielded
// address. Change notes from the wallet's own spends are skipped.
func (m *Monitor) pollShielded(ctx context.Context, snap *core.Snapshot) {
	for _, addr := range snap.Shielded().ToSlice() {
		if ctx.Err() != nil {
			return
		}
		notes, err := m.node.ZListReceivedByAddress(ctx, addr)
		if err != nil {
			// Usually the viewing key is not imported yet; the refresh loop
			// keeps retrying the import.
			m.log.WithError(err).WithField("address", addr).Debug("z_listreceivedbyaddress failed")
			continue
		}
		for i := range notes {
			note := &notes[i]
			if note.Change {
				continue
			}
			memo, err := DecodeMemo(note.Memo)
			if err != nil {
				m.log.WithError(err).WithField("txid", note.TxID).Debug("undecodable memo")
				memo = ""
			}
			dep := &core.Deposit{
				TxID:          note.TxID,
				Address:       addr,
				Amount:        note.Value(),
				Confirmations: note.Confirmations,
				Shielded:      true,
				Memo:          memo,
			}
			if err := m.engine.ProcessDeposit(ctx, dep); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"txid": note.TxID, "address": addr,
				}).Warn("failed to record deposit")
			}
		}
	}
}

// importViewingKeys registers viewing keys for watched shielded addresses
// the node does not know yet. With a known birthday the node only rescans
// when the key is new; otherwise a bounded lookback rescan finds any notes
// that arrived while the key was missing. Failed imports are retried on the
// next refresh.
func (m *Monitor) importViewingKeys(ctx context.Context) {
	if m.wallet == nil {
		return
	}
	for _, addr := range m.cache.Current().Shielded().ToSlice() {
		if ctx.Err() != nil {
			return
		}
		if _, ok := m.imported[addr]; ok {
			continue
		}
		vk, err := m.wallet.ViewingKey(ctx, addr)
		if err != nil {
			m.log.WithError(err).WithField("address", addr).Warn("viewing key lookup failed")
			continue
		}
		rescan, from := RescanWhenKeyIsNew, vk.Birthday
		if from <= 0 {
			rescan = RescanYes
			tip, err := m.node.BlockCount(ctx)
			if err != nil {
				m.log.WithError(err).Warn("getblockcount failed")
				continue
			}
			from = tip - m.cfg.ShieldedLookback
			if from < 0 {
				from = 0
			}
		}
		if err := m.node.ZImportViewingKey(ctx, vk.Key, rescan, from); err != nil {
			m.log.WithError(err).WithField("address", addr).Warn("viewing key import failed")
			continue
		}
		m.imported[addr] = struct{}{}
		m.log.WithFields(logrus.Fields{
			"address": addr,
			"rescan":  rescan,
			"from":    from,
		}).Info("viewing key imported")
	}
}
