package account

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/store"
)

func TestRegister_GrantsInitialCash(t *testing.T) {
	svc, err := NewService(store.NewMemoryStore(), DefaultInitialCash, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	a, err := svc.Register(context.Background(), "  alice  ")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Username != "alice" {
		t.Errorf("expected trimmed username, got %q", a.Username)
	}
	if !a.Cash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("expected 10000.00 cash, got %s", a.Cash)
	}
	if a.ID == "" || a.CreatedAt.IsZero() {
		t.Errorf("expected ID and timestamps, got %+v", a)
	}

	got, err := svc.Get(context.Background(), a.ID)
	if err != nil || got.Username != "alice" {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	svc, _ := NewService(store.NewMemoryStore(), DefaultInitialCash, nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := svc.Register(ctx, " bob "); !errors.Is(err, store.ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegister_InvalidUsername(t *testing.T) {
	svc, _ := NewService(store.NewMemoryStore(), DefaultInitialCash, nil)

	for _, name := range []string{"", "   ", strings.Repeat("x", MaxUsernameLength+1)} {
		if _, err := svc.Register(context.Background(), name); !errors.Is(err, ErrInvalidUsername) {
			t.Errorf("Register(%q): expected ErrInvalidUsername, got %v", name, err)
		}
	}
}

func TestNewService_RejectsNegativeGrant(t *testing.T) {
	if _, err := NewService(store.NewMemoryStore(), decimal.NewFromInt(-1), nil); err == nil {
		t.Error("expected error for negative initial cash")
	}
}
