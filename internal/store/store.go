// Package store defines the persistence interface for the brokerage engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded
// single-node deployments) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

var (
	// ErrAccountNotFound is returned when no account matches the key.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrUsernameTaken is returned by CreateAccount on a duplicate username.
	ErrUsernameTaken = errors.New("store: username already taken")

	// ErrPositionNotFound is returned when the account holds no position in
	// the symbol.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrEmptyPosition is returned when a position with a non-positive
	// quantity would be saved; exhausted positions are deleted instead.
	ErrEmptyPosition = errors.New("store: position quantity must be positive")

	// ErrNegativeCash is returned when a write would persist a negative
	// cash balance.
	ErrNegativeCash = errors.New("store: cash balance must not be negative")
)

// Store is the persistence interface. Reads outside WithAccountLock see
// committed state only.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetAccountByUsername retrieves an account by its unique username.
	GetAccountByUsername(ctx context.Context, username string) (*model.Account, error)

	// ListAccounts returns all accounts ordered by username.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// --- Positions ---

	// ListPositions returns the live positions of an account ordered by symbol.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListPositionsBySymbol returns every live position in a symbol.
	ListPositionsBySymbol(ctx context.Context, symbol string) ([]model.Position, error)

	// --- Immutable order ledger ---

	// ListOrders returns the orders of an account, newest first.
	ListOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// CountExecutedOrders counts the EXECUTED orders of an account.
	CountExecutedOrders(ctx context.Context, accountID string) (int64, error)

	// CountOrdersBySymbol counts orders in a symbol across all accounts.
	CountOrdersBySymbol(ctx context.Context, symbol string) (int64, error)

	// --- Exclusive write scope ---

	// WithAccountLock runs fn inside a transaction holding an exclusive lock
	// on the account. Writes made through tx are committed together when fn
	// returns nil and discarded otherwise. Calls for different accounts do
	// not block each other. Returns ErrAccountNotFound if the account does
	// not exist.
	WithAccountLock(ctx context.Context, accountID string, fn func(tx Tx) error) error
}

// Tx is the write handle for one locked account.
type Tx interface {
	// Account returns the locked account as seen inside the transaction.
	Account(ctx context.Context) (*model.Account, error)

	// Position returns the account's position in symbol, or ErrPositionNotFound.
	Position(ctx context.Context, symbol string) (*model.Position, error)

	// UpdateCash sets the account's cash balance.
	UpdateCash(ctx context.Context, cash decimal.Decimal, at time.Time) error

	// SavePosition inserts or replaces the account's position in p.Symbol.
	SavePosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the account's position in symbol.
	DeletePosition(ctx context.Context, symbol string) error

	// InsertOrder appends an immutable order record.
	InsertOrder(ctx context.Context, o *model.Order) error
}
