// Package ledger persists escrow records and balances in PostgreSQL.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"floorescrow/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Balances exceed BIGINT, so they are kept as NUMERIC(20,0) and moved as text.
const createTablesSQL = `
CREATE TABLE IF NOT EXISTS escrow_records (
    id BYTEA PRIMARY KEY,
    creator BYTEA NOT NULL,
    asset_id TEXT NOT NULL,
    expiry BIGINT NOT NULL,
    accepted BOOLEAN NOT NULL,
    settled BOOLEAN NOT NULL,
    payload BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS escrow_records_due_idx
    ON escrow_records (expiry, id) WHERE accepted AND NOT settled;
CREATE TABLE IF NOT EXISTS balances (
    identity BYTEA PRIMARY KEY,
    amount NUMERIC(20, 0) NOT NULL CHECK (amount >= 0)
);
`

// PostgresLedger implements escrow.State and escrow.DueLister. Every record
// and balance touched inside Atomically is guarded by a transaction-scoped
// advisory lock on its key, taken before the row is read. Row locks alone
// would not cover a row that does not exist yet.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects using the DSN and ensures the tables exist.
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

func (l *PostgresLedger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// Pool exposes the connection pool so other stores can share it.
func (l *PostgresLedger) Pool() *pgxpool.Pool { return l.pool }

func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func (l *PostgresLedger) Atomically(ctx context.Context, fn func(tx escrow.Tx) error) error {
	return pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, held: make(map[int64]struct{})})
	})
}

func (l *PostgresLedger) ListDue(ctx context.Context, now int64, limit int) ([]common.Hash, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
SELECT id FROM escrow_records
WHERE accepted AND NOT settled AND expiry <= $1
ORDER BY expiry, id
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	ids := make([]common.Hash, len(raw))
	for i, b := range raw {
		ids[i] = common.BytesToHash(b)
	}
	return ids, nil
}

type pgTx struct {
	tx   pgx.Tx
	held map[int64]struct{}
}

const (
	lockSpaceEscrow  = "escrow"
	lockSpaceBalance = "balance"
)

func advisoryKey(space string, key []byte) int64 {
	h := crypto.Keccak256([]byte(space), key)
	return int64(binary.BigEndian.Uint64(h[:8]))
}

// lock blocks until this transaction owns the advisory lock for key. It is
// released at commit or rollback.
func (t *pgTx) lock(ctx context.Context, space string, key []byte) error {
	k := advisoryKey(space, key)
	if _, ok := t.held[k]; ok {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, k); err != nil {
		return fmt.Errorf("lock %s: %w", space, err)
	}
	t.held[k] = struct{}{}
	return nil
}

func (t *pgTx) GetEscrow(ctx context.Context, id common.Hash) (*escrow.Record, bool, error) {
	if err := t.lock(ctx, lockSpaceEscrow, id.Bytes()); err != nil {
		return nil, false, err
	}
	var payload []byte
	err := t.tx.QueryRow(ctx, `SELECT payload FROM escrow_records WHERE id = $1 FOR UPDATE`, id.Bytes()).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load escrow %s: %w", id.Hex(), err)
	}
	rec, err := escrow.UnmarshalRecord(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode escrow %s: %w", id.Hex(), err)
	}
	rec.ID = id
	return rec, true, nil
}

func (t *pgTx) PutEscrow(ctx context.Context, rec *escrow.Record) error {
	if rec == nil {
		return errors.New("nil escrow record")
	}
	if err := t.lock(ctx, lockSpaceEscrow, rec.ID.Bytes()); err != nil {
		return err
	}
	payload, err := escrow.MarshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO escrow_records (id, creator, asset_id, expiry, accepted, settled, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE
SET creator = EXCLUDED.creator,
    asset_id = EXCLUDED.asset_id,
    expiry = EXCLUDED.expiry,
    accepted = EXCLUDED.accepted,
    settled = EXCLUDED.settled,
    payload = EXCLUDED.payload,
    updated_at = now()
`, rec.ID.Bytes(), rec.Creator[:], rec.AssetID, rec.ExpiryTime, rec.Accepted(), rec.Settled, payload)
	if err != nil {
		return fmt.Errorf("store escrow %s: %w", rec.ID.Hex(), err)
	}
	return nil
}

func (t *pgTx) Balance(ctx context.Context, who escrow.Identity) (uint64, error) {
	if err := t.lock(ctx, lockSpaceBalance, who[:]); err != nil {
		return 0, err
	}
	var amount string
	err := t.tx.QueryRow(ctx, `SELECT amount::text FROM balances WHERE identity = $1 FOR UPDATE`, who[:]).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load balance %s: %w", who.Hex(), err)
	}
	v, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %s: %w", who.Hex(), err)
	}
	return v, nil
}

func (t *pgTx) SetBalance(ctx context.Context, who escrow.Identity, amount uint64) error {
	if err := t.lock(ctx, lockSpaceBalance, who[:]); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO balances (identity, amount) VALUES ($1, $2::numeric)
ON CONFLICT (identity) DO UPDATE SET amount = EXCLUDED.amount
`, who[:], strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("store balance %s: %w", who.Hex(), err)
	}
	return nil
}

var (
	_ escrow.State     = (*PostgresLedger)(nil)
	_ escrow.DueLister = (*PostgresLedger)(nil)
)
