package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// sqliteTime is a fixed-width UTC layout so that TEXT ordering matches
// chronological ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store backed by a single SQLite database file.
// Decimals and timestamps are stored as TEXT.
//
// SQLite has a single writer, so transactions of different accounts queue
// inside the database. The engine-level lock is still per account.
type SQLiteStore struct {
	db           *sql.DB
	accountLocks *keyedMutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore. Call Migrate before first use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and this keeps
	// BEGIN IMMEDIATE from racing against itself.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, accountLocks: newKeyedMutex()}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	cash       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts (id),
	symbol     TEXT NOT NULL,
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	avg_cost   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (account_id, symbol)
);
CREATE INDEX IF NOT EXISTS positions_symbol_idx ON positions (symbol);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts (id),
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity        INTEGER NOT NULL CHECK (quantity > 0),
	status          TEXT NOT NULL,
	execution_price TEXT NOT NULL,
	realized_pnl    TEXT,
	created_at      TEXT NOT NULL,
	executed_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_account_idx ON orders (account_id, created_at);
CREATE INDEX IF NOT EXISTS orders_symbol_idx ON orders (symbol);
`

// Migrate creates the tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.Cash.IsNegative() {
		return ErrNegativeCash
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, username, cash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Username, a.Cash.String(), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: accounts.username") {
		return ErrUsernameTaken
	}
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return sqliteAccount(s.db.QueryRowContext(ctx,
		`SELECT id, username, cash, created_at, updated_at FROM accounts WHERE id = ?`, id))
}

func (s *SQLiteStore) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	return sqliteAccount(s.db.QueryRowContext(ctx,
		`SELECT id, username, cash, created_at, updated_at FROM accounts WHERE username = ?`, username))
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, cash, created_at, updated_at FROM accounts ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := sqliteAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// ---------------------------------------------------------------------------
// Positions and orders
// ---------------------------------------------------------------------------

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, symbol, quantity, avg_cost, created_at, updated_at
		 FROM positions WHERE account_id = ? ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return sqlitePositions(rows)
}

func (s *SQLiteStore) ListPositionsBySymbol(ctx context.Context, symbol string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, symbol, quantity, avg_cost, created_at, updated_at
		 FROM positions WHERE symbol = ? ORDER BY account_id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return sqlitePositions(rows)
}

func (s *SQLiteStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, symbol, side, quantity, status,
		        execution_price, realized_pnl, created_at, executed_at
		 FROM orders WHERE account_id = ?
		 ORDER BY created_at DESC, rowid DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := sqliteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) CountExecutedOrders(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE account_id = ? AND status = ?`,
		accountID, string(model.StatusExecuted)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CountOrdersBySymbol(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Exclusive write scope
// ---------------------------------------------------------------------------

func (s *SQLiteStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	unlock := s.accountLocks.Lock(accountID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id = ?`, accountID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}

	if err := fn(&sqliteTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type sqliteTx struct {
	tx        *sql.Tx
	accountID string
}

func (t *sqliteTx) Account(ctx context.Context) (*model.Account, error) {
	return sqliteAccount(t.tx.QueryRowContext(ctx,
		`SELECT id, username, cash, created_at, updated_at FROM accounts WHERE id = ?`, t.accountID))
}

func (t *sqliteTx) Position(ctx context.Context, symbol string) (*model.Position, error) {
	p, err := sqlitePosition(t.tx.QueryRowContext(ctx,
		`SELECT account_id, symbol, quantity, avg_cost, created_at, updated_at
		 FROM positions WHERE account_id = ? AND symbol = ?`, t.accountID, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	return p, err
}

func (t *sqliteTx) UpdateCash(ctx context.Context, cash decimal.Decimal, at time.Time) error {
	if cash.IsNegative() {
		return ErrNegativeCash
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET cash = ?, updated_at = ? WHERE id = ?`,
		cash.String(), formatTime(at), t.accountID)
	return err
}

func (t *sqliteTx) SavePosition(ctx context.Context, p *model.Position) error {
	if p.Quantity <= 0 {
		return ErrEmptyPosition
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (account_id, symbol, quantity, avg_cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, symbol)
		 DO UPDATE SET quantity = excluded.quantity,
		               avg_cost = excluded.avg_cost,
		               updated_at = excluded.updated_at`,
		t.accountID, p.Symbol, p.Quantity, p.AvgCost.String(),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

func (t *sqliteTx) DeletePosition(ctx context.Context, symbol string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM positions WHERE account_id = ? AND symbol = ?`, t.accountID, symbol)
	return err
}

func (t *sqliteTx) InsertOrder(ctx context.Context, o *model.Order) error {
	var realized sql.NullString
	if o.RealizedPnL != nil {
		realized = sql.NullString{String: o.RealizedPnL.String(), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (id, account_id, symbol, side, quantity, status,
		                     execution_price, realized_pnl, created_at, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, t.accountID, o.Symbol, string(o.Side), o.Quantity, string(o.Status),
		o.ExecutionPrice.String(), realized, formatTime(o.CreatedAt), formatTime(o.ExecutedAt))
	return err
}

// ---------------------------------------------------------------------------
// Scanning
// ---------------------------------------------------------------------------

type sqlRow interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func sqliteAccount(row sqlRow) (*model.Account, error) {
	var a model.Account
	var cashS, createdS, updatedS string
	if err := row.Scan(&a.ID, &a.Username, &cashS, &createdS, &updatedS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	var err error
	if a.Cash, err = decimal.NewFromString(cashS); err != nil {
		return nil, fmt.Errorf("parse cash of account %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdS); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedS); err != nil {
		return nil, err
	}
	return &a, nil
}

func sqlitePosition(row sqlRow) (*model.Position, error) {
	var p model.Position
	var avgS, createdS, updatedS string
	if err := row.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &avgS, &createdS, &updatedS); err != nil {
		return nil, err
	}

	var err error
	if p.AvgCost, err = decimal.NewFromString(avgS); err != nil {
		return nil, fmt.Errorf("parse avg cost of %s/%s: %w", p.AccountID, p.Symbol, err)
	}
	if p.CreatedAt, err = parseTime(createdS); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedS); err != nil {
		return nil, err
	}
	return &p, nil
}

func sqlitePositions(rows *sql.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := sqlitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func sqliteOrder(row sqlRow) (*model.Order, error) {
	var o model.Order
	var side, status, priceS, createdS, executedS string
	var realizedS sql.NullString

	if err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &side, &o.Quantity, &status,
		&priceS, &realizedS, &createdS, &executedS); err != nil {
		return nil, err
	}

	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)

	var err error
	if o.ExecutionPrice, err = decimal.NewFromString(priceS); err != nil {
		return nil, fmt.Errorf("parse execution price of order %s: %w", o.ID, err)
	}
	if realizedS.Valid {
		realized, err := decimal.NewFromString(realizedS.String)
		if err != nil {
			return nil, fmt.Errorf("parse realized pnl of order %s: %w", o.ID, err)
		}
		o.RealizedPnL = &realized
	}
	if o.CreatedAt, err = parseTime(createdS); err != nil {
		return nil, err
	}
	if o.ExecutedAt, err = parseTime(executedS); err != nil {
		return nil, err
	}
	return &o, nil
}
