// Package account registers trading accounts.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/metrics"
	"github.com/phitrading/exchange-engine/internal/model"
	"github.com/phitrading/exchange-engine/internal/store"
)

// MaxUsernameLength bounds a username in characters.
const MaxUsernameLength = 64

// DefaultInitialCash is granted to every new account unless configured
// otherwise.
var DefaultInitialCash = decimal.RequireFromString("10000.00")

var ErrInvalidUsername = errors.New("account: invalid username")

// Registrar is the slice of the store needed to register accounts.
type Registrar interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Service creates accounts with an initial cash grant.
type Service struct {
	store       Registrar
	initialCash decimal.Decimal
	logger      *slog.Logger
}

// NewService creates a Service. A negative initial cash is rejected.
func NewService(st Registrar, initialCash decimal.Decimal, logger *slog.Logger) (*Service, error) {
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("account: initial cash must not be negative, got %s", initialCash)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, initialCash: initialCash, logger: logger}, nil
}

// Register creates an account for username (trimmed). Duplicate usernames
// fail with store.ErrUsernameTaken.
func (s *Service) Register(ctx context.Context, username string) (*model.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidUsername, MaxUsernameLength)
	}

	now := time.Now().UTC()
	a := &model.Account{
		ID:        uuid.New().String(),
		Username:  username,
		Cash:      s.initialCash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	metrics.AccountsRegistered.Inc()
	s.logger.Info("account registered", "account", a.ID, "username", a.Username, "cash", a.Cash.StringFixed(2))
	return a, nil
}

// Get returns an account by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Account, error) {
	return s.store.GetAccount(ctx, id)
}
