package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	usernames map[string]string                     // username → account ID
	positions map[string]map[string]*model.Position // account ID → symbol → position
	orders    []model.Order

	accountLocks *keyedMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*model.Account),
		usernames:    make(map[string]string),
		positions:    make(map[string]map[string]*model.Position),
		accountLocks: newKeyedMutex(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[a.Username]; ok {
		return ErrUsernameTaken
	}
	if a.Cash.IsNegative() {
		return ErrNegativeCash
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	s.usernames[a.Username] = a.ID
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccountByUsername(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *s.accounts[id]
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Username < accounts[j].Username })
	return accounts, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions[accountID] {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) ListPositionsBySymbol(_ context.Context, symbol string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, bySymbol := range s.positions {
		if p, ok := bySymbol[symbol]; ok {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result, nil
}

// ListOrders returns orders newest first (reverse insertion order).
func (s *MemoryStore) ListOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].AccountID == accountID {
			result = append(result, s.orders[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) CountExecutedOrders(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Status == model.StatusExecuted {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountOrdersBySymbol(_ context.Context, symbol string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, o := range s.orders {
		if o.Symbol == symbol {
			n++
		}
	}
	return n, nil
}

// WithAccountLock serializes callers per account and stages writes until fn
// succeeds; the staged writes are then applied under a single store lock.
func (s *MemoryStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	unlock := s.accountLocks.Lock(accountID)
	defer unlock()

	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}

	tx := &memoryTx{
		store:     s,
		accountID: accountID,
		positions: make(map[string]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.cash != nil {
		a := s.accounts[tx.accountID]
		a.Cash = *tx.cash
		a.UpdatedAt = tx.cashAt
	}

	for symbol, p := range tx.positions {
		if p == nil {
			delete(s.positions[tx.accountID], symbol)
			continue
		}
		if s.positions[tx.accountID] == nil {
			s.positions[tx.accountID] = make(map[string]*model.Position)
		}
		s.positions[tx.accountID][symbol] = p
	}

	s.orders = append(s.orders, tx.orders...)
}

// memoryTx buffers writes for one locked account. A nil entry in positions
// marks a deletion.
type memoryTx struct {
	store     *MemoryStore
	accountID string

	cash      *decimal.Decimal
	cashAt    time.Time
	positions map[string]*model.Position
	orders    []model.Order
}

func (tx *memoryTx) Account(ctx context.Context) (*model.Account, error) {
	a, err := tx.store.GetAccount(ctx, tx.accountID)
	if err != nil {
		return nil, err
	}
	if tx.cash != nil {
		a.Cash = *tx.cash
		a.UpdatedAt = tx.cashAt
	}
	return a, nil
}

func (tx *memoryTx) Position(_ context.Context, symbol string) (*model.Position, error) {
	if p, ok := tx.positions[symbol]; ok {
		if p == nil {
			return nil, ErrPositionNotFound
		}
		copy := *p
		return &copy, nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	p, ok := tx.store.positions[tx.accountID][symbol]
	if !ok {
		return nil, ErrPositionNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memoryTx) UpdateCash(_ context.Context, cash decimal.Decimal, at time.Time) error {
	if cash.IsNegative() {
		return ErrNegativeCash
	}
	tx.cash = &cash
	tx.cashAt = at
	return nil
}

func (tx *memoryTx) SavePosition(_ context.Context, p *model.Position) error {
	if p.Quantity <= 0 {
		return ErrEmptyPosition
	}
	copy := *p
	copy.AccountID = tx.accountID
	tx.positions[p.Symbol] = &copy
	return nil
}

func (tx *memoryTx) DeletePosition(_ context.Context, symbol string) error {
	tx.positions[symbol] = nil
	return nil
}

func (tx *memoryTx) InsertOrder(_ context.Context, o *model.Order) error {
	copy := *o
	copy.AccountID = tx.accountID
	tx.orders = append(tx.orders, copy)
	return nil
}
