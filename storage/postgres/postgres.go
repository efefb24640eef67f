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

// Package postgres implements the storage interfaces on PostgreSQL, for
// deployments where the monitors share their database with the rest of the
// payment platform. Status transitions are guarded UPDATEs and deposit rows
// carry a (chain, txid, address) unique constraint, so the idempotence the
// engine relies on holds across concurrent daemon instances.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS payments (
	id            TEXT PRIMARY KEY,
	merchant_id   TEXT NOT NULL,
	order_id      TEXT NOT NULL,
	chain         TEXT NOT NULL,
	address       TEXT NOT NULL,
	amount        NUMERIC(20,8) NOT NULL,
	status        TEXT NOT NULL,
	confirmations BIGINT NOT NULL DEFAULT 0,
	txid          TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	detected_at   TIMESTAMPTZ,
	confirmed_at  TIMESTAMPTZ,
	UNIQUE (chain, address)
);
CREATE INDEX IF NOT EXISTS payments_chain_status_idx ON payments (chain, status);

CREATE TABLE IF NOT EXISTS blockchain_transactions (
	id            TEXT PRIMARY KEY,
	payment_id    TEXT NOT NULL,
	chain         TEXT NOT NULL,
	txid          TEXT NOT NULL,
	address       TEXT NOT NULL,
	amount        NUMERIC(20,8) NOT NULL,
	confirmations BIGINT NOT NULL DEFAULT 0,
	block_height  BIGINT NOT NULL DEFAULT 0,
	block_hash    TEXT NOT NULL DEFAULT '',
	shielded      BOOLEAN NOT NULL DEFAULT FALSE,
	memo          TEXT NOT NULL DEFAULT '',
	detected_at   TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (chain, txid, address)
);
CREATE INDEX IF NOT EXISTS transactions_unconfirmed_idx ON blockchain_transactions (chain, confirmations);

CREATE TABLE IF NOT EXISTS payment_events (
	id          TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL,
	payment_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payment_events_created_idx ON payment_events (created_at);

CREATE TABLE IF NOT EXISTS chain_cursors (
	chain  TEXT PRIMARY KEY,
	height BIGINT NOT NULL
);
`

// Store implements storage.Store on a PostgreSQL database.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// New connects to the database, applies the schema and returns the store.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying schema")
	}
	return &Store{
		db:  db,
		log: logrus.WithField("module", "postgres"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const paymentColumns = `id, merchant_id, order_id, chain, address, amount, status,
	confirmations, txid, created_at, expires_at, detected_at, confirmed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*types.Payment, error) {
	var (
		p         types.Payment
		detected  sql.NullTime
		confirmed sql.NullTime
	)
	err := row.Scan(&p.ID, &p.MerchantID, &p.OrderID, &p.Chain, &p.Address, &p.Amount,
		&p.Status, &p.Confirmations, &p.TxID, &p.CreatedAt, &p.ExpiresAt, &detected, &confirmed)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if detected.Valid {
		t := detected.Time.UTC()
		p.DetectedAt = &t
	}
	if confirmed.Valid {
		t := confirmed.Time.UTC()
		p.ConfirmedAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

// CreatePayment inserts a new payment. The monitors never call this; it
// exists for the platform side and for tests.
func (s *Store) CreatePayment(ctx context.Context, p *types.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.MerchantID, p.OrderID, p.Chain, p.Address, p.Amount, p.Status,
		p.Confirmations, p.TxID, p.CreatedAt, p.ExpiresAt, nullTime(p.DetectedAt), nullTime(p.ConfirmedAt))
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return storage.ErrAlreadyExists
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *Store) Payment(ctx context.Context, id string) (*types.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *Store) PaymentByAddress(ctx context.Context, chain types.Chain, address string) (*types.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE chain = $1 AND address = $2`, chain, address)
	return scanPayment(row)
}

func (s *Store) NonTerminalPayments(ctx context.Context, chain types.Chain) ([]*types.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE chain = $1 AND status IN ($2, $3)`,
		chain, types.StatusPending, types.StatusDetected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkDetected moves a pending payment to detected. The status guard in the
// WHERE clause makes concurrent detections collapse into one transition.
func (s *Store) MarkDetected(ctx context.Context, id, txid string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, txid = $2, detected_at = $3
		WHERE id = $4 AND status = $5`,
		types.StatusDetected, txid, at, id, types.StatusPending)
	return oneRow(res, err)
}

func (s *Store) MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, confirmed_at = $2
		WHERE id = $3 AND status = $4`,
		types.StatusConfirmed, at, id, types.StatusDetected)
	return oneRow(res, err)
}

func (s *Store) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1
		WHERE id = $2 AND status = $3`,
		types.StatusExpired, id, types.StatusPending)
	return oneRow(res, err)
}

func (s *Store) ResetDetection(ctx context.Context, id, txid string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, txid = '', detected_at = NULL, confirmations = 0
		WHERE id = $2 AND status = $3 AND txid = $4`,
		types.StatusPending, id, types.StatusDetected, txid)
	return oneRow(res, err)
}

func (s *Store) SetConfirmations(ctx context.Context, id string, confirmations int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET confirmations = $1 WHERE id = $2`, confirmations, id)
	return err
}

func oneRow(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateTransaction inserts a deposit row, reporting ErrAlreadyExists when
// the (chain, txid, address) key was recorded before.
func (s *Store) CreateTransaction(ctx context.Context, tx *types.Transaction) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blockchain_transactions
			(id, payment_id, chain, txid, address, amount, confirmations,
			 block_height, block_hash, shielded, memo, detected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chain, txid, address) DO NOTHING`,
		tx.ID, tx.PaymentID, tx.Chain, tx.TxID, tx.Address, tx.Amount, tx.Confirmations,
		tx.BlockHeight, tx.BlockHash, tx.Shielded, tx.Memo, tx.DetectedAt, tx.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

const txColumns = `id, payment_id, chain, txid, address, amount, confirmations,
	block_height, block_hash, shielded, memo, detected_at, updated_at`

func scanTransaction(row rowScanner) (*types.Transaction, error) {
	var tx types.Transaction
	err := row.Scan(&tx.ID, &tx.PaymentID, &tx.Chain, &tx.TxID, &tx.Address, &tx.Amount,
		&tx.Confirmations, &tx.BlockHeight, &tx.BlockHash, &tx.Shielded, &tx.Memo,
		&tx.DetectedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.DetectedAt = tx.DetectedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func (s *Store) TransactionsByTxID(ctx context.Context, chain types.Chain, txid string) ([]*types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM blockchain_transactions
		WHERE chain = $1 AND txid = $2 ORDER BY address`, chain, txid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) UnconfirmedTransactions(ctx context.Context, chain types.Chain, threshold int64) ([]*types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM blockchain_transactions
		WHERE chain = $1 AND confirmations < $2 ORDER BY detected_at`, chain, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*types.Transaction, error) {
	var out []*types.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// UpdateConfirmations refreshes the confirmation count for every row of the
// txid. Block hash and height are written only on the transition from
// unmined to mined and stay fixed afterwards.
func (s *Store) UpdateConfirmations(ctx context.Context, chain types.Chain, txid string, confirmations int64, blockHash string, blockHeight int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blockchain_transactions SET
			confirmations = $1,
			block_hash    = CASE WHEN block_hash = ''   THEN $2 ELSE block_hash END,
			block_height  = CASE WHEN block_height = 0  THEN $3 ELSE block_height END,
			updated_at    = $4
		WHERE chain = $5 AND txid = $6`,
		confirmations, blockHash, blockHeight, time.Now().UTC(), chain, txid)
	return err
}

func (s *Store) DeleteTransaction(ctx context.Context, chain types.Chain, txid, address string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM blockchain_transactions
		WHERE chain = $1 AND txid = $2 AND address = $3`, chain, txid, address)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev *types.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (id, merchant_id, payment_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.MerchantID, ev.PaymentID, ev.Type, []byte(ev.Payload), ev.CreatedAt)
	return err
}

// EventsSince returns events created at or after the given time, oldest
// first. Downstream delivery polls through this.
func (s *Store) EventsSince(ctx context.Context, since time.Time) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, merchant_id, payment_id, type, payload, created_at
		FROM payment_events WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var (
			ev      types.Event
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.MerchantID, &ev.PaymentID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) Cursor(ctx context.Context, chain types.Chain) (int64, error) {
	var height int64
	err := s.db.QueryRowContext(ctx, `
		SELECT height FROM chain_cursors WHERE chain = $1`, chain).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	return height, err
}

// SetCursor stores the height. GREATEST keeps the cursor monotonic even when
// two sweeps race.
func (s *Store) SetCursor(ctx context.Context, chain types.Chain, height int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_cursors (chain, height) VALUES ($1, $2)
		ON CONFLICT (chain) DO UPDATE SET height = GREATEST(chain_cursors.height, EXCLUDED.height)`,
		chain, height)
	return err
}

var _ storage.Store = (*Store)(nil)
