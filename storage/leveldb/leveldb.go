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

// Package leveldb implements storage.Store on an embedded goleveldb
// database. Rows are JSON under short key prefixes:
//
//	p:<id>                     payment
//	pa:<chain>:<address>       payment id by deposit address
//	pn:<chain>:<id>            non-terminal payment index
//	t:<chain>:<txid>:<address> deposit row
//	e:<nanos>:<id>             lifecycle event, keys sort by time
//	c:<chain>                  scan cursor, big-endian height
//
// One process owns the database file, so guarded transitions are a mutex
// plus read-modify-write, which matches the status-guard semantics the
// monitors rely on.
package leveldb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/storage"
)

// Store is the embedded backend. It implements storage.Store.
type Store struct {
	db  *leveldb.DB
	mu  sync.Mutex // serializes guarded transitions
	log *logrus.Entry
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            8 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", path)
	}
	return &Store{
		db:  db,
		log: logrus.WithFields(logrus.Fields{"module": "storage", "backend": "leveldb"}),
	}, nil
}

// NewMemory returns a store over in-memory storage, used by tests.
func NewMemory() *Store {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		panic(err) // memory storage cannot fail to open
	}
	return &Store{
		db:  db,
		log: logrus.WithFields(logrus.Fields{"module": "storage", "backend": "memory"}),
	}
}

// Close flushes and releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func paymentKey(id string) []byte {
	return []byte("p:" + id)
}

func addressKey(chain types.Chain, address string) []byte {
	return []byte(fmt.Sprintf("pa:%s:%s", chain, address))
}

func nonTerminalKey(chain types.Chain, id string) []byte {
	return []byte(fmt.Sprintf("pn:%s:%s", chain, id))
}

func txKey(chain types.Chain, txid, address string) []byte {
	return []byte(fmt.Sprintf("t:%s:%s:%s", chain, txid, address))
}

func txPrefix(chain types.Chain, txid string) []byte {
	return []byte(fmt.Sprintf("t:%s:%s:", chain, txid))
}

func chainTxPrefix(chain types.Chain) []byte {
	return []byte(fmt.Sprintf("t:%s:", chain))
}

func eventKey(at time.Time, id string) []byte {
	key := make([]byte, 0, 2+8+1+len(id))
	key = append(key, 'e', ':')
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	key = append(key, ':')
	return append(key, id...)
}

func cursorKey(chain types.Chain) []byte {
	return []byte("c:" + string(chain))
}

func (s *Store) getJSON(key []byte, out any) error {
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return storage.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "leveldb get")
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) putJSON(batch *leveldb.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal row")
	}
	batch.Put(key, raw)
	return nil
}

// CreatePayment inserts a payment and its indexes. The checkout flow owns
// payment creation; the monitors only read and transition.
func (s *Store) CreatePayment(ctx context.Context, p *types.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Get(paymentKey(p.ID), nil); err == nil {
		return storage.ErrAlreadyExists
	}
	if _, err := s.db.Get(addressKey(p.Chain, p.Address), nil); err == nil {
		return errors.Errorf("address %s already bound to a payment", p.Address)
	}

	batch := new(leveldb.Batch)
	if err := s.putJSON(batch, paymentKey(p.ID), p); err != nil {
		return err
	}
	batch.Put(addressKey(p.Chain, p.Address), []byte(p.ID))
	if p.Status.Monitorable() {
		batch.Put(nonTerminalKey(p.Chain, p.ID), []byte(p.ID))
	}
	return s.db.Write(batch, nil)
}

// Payment implements storage.PaymentStore.
func (s *Store) Payment(ctx context.Context, id string) (*types.Payment, error) {
	p := new(types.Payment)
	if err := s.getJSON(paymentKey(id), p); err != nil {
		return nil, err
	}
	return p, nil
}

// PaymentByAddress implements storage.PaymentStore.
func (s *Store) PaymentByAddress(ctx context.Context, chain types.Chain, address string) (*types.Payment, error) {
	id, err := s.db.Get(addressKey(chain, address), nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "leveldb get")
	}
	return s.Payment(ctx, string(id))
}

// NonTerminalPayments implements storage.PaymentStore.
func (s *Store) NonTerminalPayments(ctx context.Context, chain types.Chain) ([]*types.Payment, error) {
	var out []*types.Payment
	iter := s.db.NewIterator(util.BytesPrefix([]byte("pn:"+string(chain)+":")), nil)
	defer iter.Release()
	for iter.Next() {
		p, err := s.Payment(ctx, string(iter.Value()))
		if err != nil {
			return nil, errors.Wrapf(err, "dangling non-terminal index %q", iter.Value())
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// mutatePayment loads id, applies fn under the store lock and persists the
// result. fn returns false to decline the mutation (guard failed).
func (s *Store) mutatePayment(id string, fn func(p *types.Payment) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := new(types.Payment)
	if err := s.getJSON(paymentKey(id), p); err != nil {
		return false, err
	}
	if !fn(p) {
		return false, nil
	}

	batch := new(leveldb.Batch)
	if err := s.putJSON(batch, paymentKey(id), p); err != nil {
		return false, err
	}
	if p.Status.Monitorable() {
		batch.Put(nonTerminalKey(p.Chain, p.ID), []byte(p.ID))
	} else {
		batch.Delete(nonTerminalKey(p.Chain, p.ID))
	}
	return true, s.db.Write(batch, nil)
}

// MarkDetected implements storage.PaymentStore.
func (s *Store) MarkDetected(ctx context.Context, id, txid string, at time.Time) (bool, error) {
	return s.mutatePayment(id, func(p *types.Payment) bool {
		if p.Status != types.StatusPending {
			return false
		}
		p.Status = types.StatusDetected
		p.TxID = txid
		t := at
		p.DetectedAt = &t
		return true
	})
}

// MarkConfirmed implements storage.PaymentStore.
func (s *Store) MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.mutatePayment(id, func(p *types.Payment) bool {
		if p.Status != types.StatusDetected {
			return false
		}
		p.Status = types.StatusConfirmed
		t := at
		p.ConfirmedAt = &t
		return true
	})
}

// MarkExpired implements storage.PaymentStore.
func (s *Store) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.mutatePayment(id, func(p *types.Payment) bool {
		if p.Status != types.StatusPending {
			return false
		}
		p.Status = types.StatusExpired
		return true
	})
}

// ResetDetection implements storage.PaymentStore.
func (s *Store) ResetDetection(ctx context.Context, id, txid string) (bool, error) {
	return s.mutatePayment(id, func(p *types.Payment) bool {
		if p.Status != types.StatusDetected || p.TxID != txid {
			return false
		}
		p.Status = types.StatusPending
		p.TxID = ""
		p.DetectedAt = nil
		p.Confirmations = 0
		return true
	})
}

// SetConfirmations implements storage.PaymentStore.
func (s *Store) SetConfirmations(ctx context.Context, id string, confirmations int64) error {
	_, err := s.mutatePayment(id, func(p *types.Payment) bool {
		p.Confirmations = confirmations
		return true
	})
	return err
}

// CreateTransaction implements storage.TransactionStore.
func (s *Store) CreateTransaction(ctx context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := txKey(tx.Chain, tx.TxID, tx.Address)
	if _, err := s.db.Get(key, nil); err == nil {
		return storage.ErrAlreadyExists
	} else if err != leveldb.ErrNotFound {
		return errors.Wrap(err, "leveldb get")
	}

	batch := new(leveldb.Batch)
	if err := s.putJSON(batch, key, tx); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// TransactionsByTxID implements storage.TransactionStore.
func (s *Store) TransactionsByTxID(ctx context.Context, chain types.Chain, txid string) ([]*types.Transaction, error) {
	var out []*types.Transaction
	iter := s.db.NewIterator(util.BytesPrefix(txPrefix(chain, txid)), nil)
	defer iter.Release()
	for iter.Next() {
		tx := new(types.Transaction)
		if err := json.Unmarshal(iter.Value(), tx); err != nil {
			return nil, errors.Wrap(err, "decode deposit row")
		}
		out = append(out, tx)
	}
	return out, iter.Error()
}

// UnconfirmedTransactions implements storage.TransactionStore. The deposit
// space of one chain stays small enough that a prefix scan beats keeping a
// second index in sync.
func (s *Store) UnconfirmedTransactions(ctx context.Context, chain types.Chain, threshold int64) ([]*types.Transaction, error) {
	var out []*types.Transaction
	iter := s.db.NewIterator(util.BytesPrefix(chainTxPrefix(chain)), nil)
	defer iter.Release()
	for iter.Next() {
		tx := new(types.Transaction)
		if err := json.Unmarshal(iter.Value(), tx); err != nil {
			return nil, errors.Wrap(err, "decode deposit row")
		}
		if tx.Confirmations < threshold {
			out = append(out, tx)
		}
	}
	return out, iter.Error()
}

// UpdateConfirmations implements storage.TransactionStore.
func (s *Store) UpdateConfirmations(ctx context.Context, chain types.Chain, txid string, confirmations int64, blockHash string, blockHeight int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.TransactionsByTxID(ctx, chain, txid)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return storage.ErrNotFound
	}
	batch := new(leveldb.Batch)
	for _, tx := range rows {
		tx.Confirmations = confirmations
		if tx.BlockHash == "" && blockHash != "" {
			tx.BlockHash = blockHash
			tx.BlockHeight = blockHeight
		}
		tx.UpdatedAt = time.Now().UTC()
		if err := s.putJSON(batch, txKey(chain, txid, tx.Address), tx); err != nil {
			return err
		}
	}
	return s.db.Write(batch, nil)
}

// DeleteTransaction implements storage.TransactionStore.
func (s *Store) DeleteTransaction(ctx context.Context, chain types.Chain, txid, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(txKey(chain, txid, address), nil)
}

// AppendEvent implements storage.EventStore.
func (s *Store) AppendEvent(ctx context.Context, ev *types.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return s.db.Put(eventKey(ev.CreatedAt, ev.ID), raw, nil)
}

// EventsSince returns events at or after a given time, oldest first. The
// delivery pipeline drains the store through this.
func (s *Store) EventsSince(ctx context.Context, since time.Time) ([]*types.Event, error) {
	var out []*types.Event
	start := eventKey(since, "")
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: []byte("e;")}, nil)
	defer iter.Release()
	for iter.Next() {
		ev := new(types.Event)
		if err := json.Unmarshal(iter.Value(), ev); err != nil {
			return nil, errors.Wrap(err, "decode event row")
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// Cursor implements storage.CursorStore.
func (s *Store) Cursor(ctx context.Context, chain types.Chain) (int64, error) {
	raw, err := s.db.Get(cursorKey(chain), nil)
	if err == leveldb.ErrNotFound {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "leveldb get")
	}
	if len(raw) != 8 {
		return 0, errors.Errorf("corrupt cursor for %s: %d bytes", chain, len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// SetCursor implements storage.CursorStore. Regressions are dropped so a
// cursor never moves backwards.
func (s *Store) SetCursor(ctx context.Context, chain types.Chain, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Cursor(ctx, chain)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if err == nil && height <= current {
		return nil
	}
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(height))
	return s.db.Put(cursorKey(chain), raw, nil)
}

var _ storage.Store = (*Store)(nil)
