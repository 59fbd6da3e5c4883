package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/SavageCabbagee/paper/internal/model"
)

// Schema creates the ledger tables. Balances and quantities are NUMERIC for
// exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id      BIGINT PRIMARY KEY,
	base_balance NUMERIC NOT NULL CHECK (base_balance >= 0),
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id          BIGINT NOT NULL REFERENCES accounts (user_id),
	token_address    TEXT NOT NULL,
	symbol           TEXT NOT NULL DEFAULT '',
	quantity         NUMERIC NOT NULL CHECK (quantity > 0),
	entry_price      NUMERIC NOT NULL,
	entry_market_cap NUMERIC NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, token_address)
);

CREATE TABLE IF NOT EXISTS trades (
	id            UUID PRIMARY KEY,
	user_id       BIGINT NOT NULL,
	token_address TEXT NOT NULL,
	symbol        TEXT NOT NULL DEFAULT '',
	side          TEXT NOT NULL,
	quantity      NUMERIC NOT NULL,
	price         NUMERIC NOT NULL,
	base_amount   NUMERIC NOT NULL,
	realized_pnl  NUMERIC NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS trades_user_ts ON trades (user_id, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Update holds a transaction-scoped advisory lock on the user ID, so writers
// in separate processes serialize per user as well.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return getAccount(ctx, s.pool, userID, false)
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID int64, token string) (*model.Position, error) {
	return getPosition(ctx, s.pool, userID, token)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, token_address, symbol,
		        quantity::TEXT, entry_price::TEXT, entry_market_cap::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY token_address`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID int64) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, user_id, token_address, symbol, side,
		        quantity::TEXT, price::TEXT, base_amount::TEXT, realized_pnl::TEXT, timestamp
		 FROM trades WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) Update(ctx context.Context, userID int64, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return fmt.Errorf("lock user %d: %w", userID, err)
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	ctx    context.Context
	tx     pgx.Tx
	userID int64
}

func (t *pgTx) Account() (*model.Account, error) {
	return getAccount(t.ctx, t.tx, t.userID, true)
}

func (t *pgTx) PutAccount(a *model.Account) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO accounts (user_id, base_balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET base_balance = EXCLUDED.base_balance, updated_at = EXCLUDED.updated_at`,
		t.userID, a.BaseBalance.String(), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (t *pgTx) Position(token string) (*model.Position, error) {
	return getPosition(t.ctx, t.tx, t.userID, token)
}

func (t *pgTx) PutPosition(p *model.Position) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO positions (user_id, token_address, symbol, quantity, entry_price, entry_market_cap, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (user_id, token_address) DO UPDATE
		 SET symbol = EXCLUDED.symbol, quantity = EXCLUDED.quantity,
		     entry_price = EXCLUDED.entry_price, entry_market_cap = EXCLUDED.entry_market_cap,
		     updated_at = EXCLUDED.updated_at`,
		t.userID, p.TokenAddress, p.Symbol,
		p.Quantity.String(), p.EntryPrice.String(), p.EntryMarketCap.String(),
		p.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(token string) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM positions WHERE user_id = $1 AND token_address = $2`, t.userID, token)
	return err
}

func (t *pgTx) DeletePositions() error {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM positions WHERE user_id = $1`, t.userID)
	return err
}

func (t *pgTx) AppendTrade(e *model.Trade) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO trades (id, user_id, token_address, symbol, side, quantity, price, base_amount, realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, t.userID, e.TokenAddress, e.Symbol, e.Side,
		e.Quantity.String(), e.Price.String(), e.BaseAmount.String(), e.RealizedPnL.String(),
		e.Timestamp,
	)
	return err
}

func getAccount(ctx context.Context, q querier, userID int64, forUpdate bool) (*model.Account, error) {
	sql := `SELECT user_id, base_balance::TEXT, created_at, updated_at FROM accounts WHERE user_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var a model.Account
	var balance string
	err := q.QueryRow(ctx, sql, userID).Scan(&a.UserID, &balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", userID, err)
	}

	if a.BaseBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func getPosition(ctx context.Context, q querier, userID int64, token string) (*model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, token_address, symbol,
		        quantity::TEXT, entry_price::TEXT, entry_market_cap::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND token_address = $2`, userID, token)
	if err != nil {
		return nil, fmt.Errorf("get position %d/%s: %w", userID, token, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanPosition(rows)
}

func scanPosition(rows rowScanner) (*model.Position, error) {
	var p model.Position
	var qtyS, entryS, mcapS string

	if err := rows.Scan(&p.UserID, &p.TokenAddress, &p.Symbol,
		&qtyS, &entryS, &mcapS, &p.UpdatedAt); err != nil {
		return nil, err
	}

	if err := parseDecimals(
		decimalField{"quantity", qtyS, &p.Quantity},
		decimalField{"entry_price", entryS, &p.EntryPrice},
		decimalField{"entry_market_cap", mcapS, &p.EntryMarketCap},
	); err != nil {
		return nil, fmt.Errorf("position %d/%s: %w", p.UserID, p.TokenAddress, err)
	}
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type decimalField struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

// parseDecimals parses NUMERIC text columns, failing on the first corrupt one.
func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

// pgxRows is the subset of pgx.Rows used by scanTrades.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var e model.Trade
		var qtyS, priceS, amountS, pnlS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.TokenAddress, &e.Symbol, &e.Side,
			&qtyS, &priceS, &amountS, &pnlS, &e.Timestamp); err != nil {
			return nil, err
		}

		if err := parseDecimals(
			decimalField{"quantity", qtyS, &e.Quantity},
			decimalField{"price", priceS, &e.Price},
			decimalField{"base_amount", amountS, &e.BaseAmount},
			decimalField{"realized_pnl", pnlS, &e.RealizedPnL},
		); err != nil {
			return nil, fmt.Errorf("trade %s: %w", e.ID, err)
		}

		trades = append(trades, e)
	}
	return trades, rows.Err()
}
