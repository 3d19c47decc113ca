package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	cash       NUMERIC NOT NULL CHECK (cash >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts (id),
	symbol     TEXT NOT NULL,
	quantity   BIGINT NOT NULL CHECK (quantity > 0),
	avg_cost   NUMERIC NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, symbol)
);
CREATE INDEX IF NOT EXISTS positions_symbol_idx ON positions (symbol);

CREATE TABLE IF NOT EXISTS orders (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts (id),
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity        BIGINT NOT NULL CHECK (quantity > 0),
	status          TEXT NOT NULL,
	execution_price NUMERIC NOT NULL,
	realized_pnl    NUMERIC,
	created_at      TIMESTAMPTZ NOT NULL,
	executed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_account_idx ON orders (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS orders_symbol_idx ON orders (symbol);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, cash, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		a.ID, a.Username, a.Cash.String(), a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, cash::TEXT, created_at, updated_at
		 FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, cash::TEXT, created_at, updated_at
		 FROM accounts WHERE username = $1`, username)
	return scanAccount(row)
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, cash::TEXT, created_at, updated_at
		 FROM accounts ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, symbol, quantity, avg_cost::TEXT, created_at, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsBySymbol(ctx context.Context, symbol string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, symbol, quantity, avg_cost::TEXT, created_at, updated_at
		 FROM positions WHERE symbol = $1 ORDER BY account_id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, symbol, side, quantity, status,
		        execution_price::TEXT, realized_pnl::TEXT, created_at, executed_at
		 FROM orders WHERE account_id = $1
		 ORDER BY created_at DESC, seq DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) CountExecutedOrders(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE account_id = $1 AND status = $2`,
		accountID, string(model.StatusExecuted)).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountOrdersBySymbol(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE symbol = $1`, symbol).Scan(&n)
	return n, err
}

// WithAccountLock opens a transaction and takes a row lock on the account
// (SELECT ... FOR UPDATE). Concurrent calls for the same account queue on
// the row lock; other accounts are unaffected.
func (s *PostgresStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx Tx) error) error {
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

	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}

	if err := fn(&postgresTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type postgresTx struct {
	tx        pgx.Tx
	accountID string
}

func (t *postgresTx) Account(ctx context.Context) (*model.Account, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, username, cash::TEXT, created_at, updated_at
		 FROM accounts WHERE id = $1`, t.accountID)
	return scanAccount(row)
}

func (t *postgresTx) Position(ctx context.Context, symbol string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT account_id, symbol, quantity, avg_cost::TEXT, created_at, updated_at
		 FROM positions WHERE account_id = $1 AND symbol = $2`, t.accountID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	return p, err
}

func (t *postgresTx) UpdateCash(ctx context.Context, cash decimal.Decimal, at time.Time) error {
	if cash.IsNegative() {
		return ErrNegativeCash
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET cash = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		t.accountID, cash.String(), at)
	return err
}

func (t *postgresTx) SavePosition(ctx context.Context, p *model.Position) error {
	if p.Quantity <= 0 {
		return ErrEmptyPosition
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, symbol, quantity, avg_cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 ON CONFLICT (account_id, symbol)
		 DO UPDATE SET quantity = EXCLUDED.quantity,
		               avg_cost = EXCLUDED.avg_cost,
		               updated_at = EXCLUDED.updated_at`,
		t.accountID, p.Symbol, p.Quantity, p.AvgCost.String(), p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *postgresTx) DeletePosition(ctx context.Context, symbol string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND symbol = $2`, t.accountID, symbol)
	return err
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *model.Order) error {
	var realized *string
	if o.RealizedPnL != nil {
		v := o.RealizedPnL.String()
		realized = &v
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, account_id, symbol, side, quantity, status,
		                     execution_price, realized_pnl, created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		o.ID, t.accountID, o.Symbol, string(o.Side), o.Quantity, string(o.Status),
		o.ExecutionPrice.String(), realized, o.CreatedAt, o.ExecutedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanAccount(row pgxRow) (*model.Account, error) {
	var a model.Account
	var cashS string
	if err := row.Scan(&a.ID, &a.Username, &cashS, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	cash, err := decimal.NewFromString(cashS)
	if err != nil {
		return nil, fmt.Errorf("parse cash of account %s: %w", a.ID, err)
	}
	a.Cash = cash
	return &a, nil
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var avgS string
	if err := row.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &avgS, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	avg, err := decimal.NewFromString(avgS)
	if err != nil {
		return nil, fmt.Errorf("parse avg cost of %s/%s: %w", p.AccountID, p.Symbol, err)
	}
	p.AvgCost = avg
	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
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

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, status, priceS string
		var realizedS *string

		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &side, &o.Quantity, &status,
			&priceS, &realizedS, &o.CreatedAt, &o.ExecutedAt); err != nil {
			return nil, err
		}

		o.Side = model.Side(side)
		o.Status = model.OrderStatus(status)
		price, err := decimal.NewFromString(priceS)
		if err != nil {
			return nil, fmt.Errorf("parse execution price of order %s: %w", o.ID, err)
		}
		o.ExecutionPrice = price
		if realizedS != nil {
			realized, err := decimal.NewFromString(*realizedS)
			if err != nil {
				return nil, fmt.Errorf("parse realized pnl of order %s: %w", o.ID, err)
			}
			o.RealizedPnL = &realized
		}

		orders = append(orders, o)
	}
	return orders, rows.Err()
}
