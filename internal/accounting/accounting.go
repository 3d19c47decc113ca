// Package accounting implements weighted-average-cost lot accounting for
// whole-unit security positions.
//
// The functions here are pure: they take the current lot and a fill and
// return the new lot state. They never touch storage or prices.
//
// Rounding is half away from zero. Cost figures carry CostScale fractional
// digits; anything shown to a user is rounded to DisplayScale at the edge.
package accounting

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidFill is returned when a fill has a non-positive quantity or
	// a negative price.
	ErrInvalidFill = errors.New("accounting: fill quantity must be positive and price non-negative")

	// ErrInsufficientQuantity is returned when a sell fill is larger than
	// the lot it is applied to.
	ErrInsufficientQuantity = errors.New("accounting: sell quantity exceeds lot quantity")

	// CostScale is the number of decimal places kept for costs, averages
	// and realized P&L.
	CostScale int32 = 4

	// DisplayScale is the number of decimal places for money shown to users.
	DisplayScale int32 = 2

	// PercentScale is the intermediate precision of percentage figures
	// before display rounding.
	PercentScale int32 = 6

	hundred = decimal.NewFromInt(100)
)

// Lot is a position's (quantity, average cost) pair for one symbol.
// The zero Lot means "no position".
type Lot struct {
	Quantity int64
	AvgCost  decimal.Decimal
}

// Empty reports whether the lot holds nothing.
func (l Lot) Empty() bool {
	return l.Quantity == 0
}

// SellResult is the outcome of applying a sell fill to a lot.
type SellResult struct {
	// Lot is the remaining lot; Empty() when the sell closed the position.
	Lot         Lot
	Proceeds    decimal.Decimal
	CostBasis   decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Closed reports whether the sell exhausted the lot.
func (r SellResult) Closed() bool {
	return r.Lot.Empty()
}

// Cost returns price × qty at CostScale.
func Cost(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty)).Round(CostScale)
}

// ApplyBuy re-averages the lot after buying qty units at price:
//
//	newQty = qty₀ + qty
//	newAvg = (avg₀·qty₀ + price·qty) / newQty   (CostScale, half-up)
func ApplyBuy(lot Lot, qty int64, price decimal.Decimal) (Lot, error) {
	if err := validateFill(qty, price); err != nil {
		return Lot{}, err
	}

	avg := lot.AvgCost
	if lot.Empty() {
		avg = decimal.Zero
	}

	newQty := lot.Quantity + qty
	total := avg.Mul(decimal.NewFromInt(lot.Quantity)).Add(price.Mul(decimal.NewFromInt(qty)))

	return Lot{
		Quantity: newQty,
		AvgCost:  total.DivRound(decimal.NewFromInt(newQty), CostScale),
	}, nil
}

// ApplySell removes qty units from the lot at price. The average cost of the
// remaining units is unchanged; realized P&L is measured against it.
func ApplySell(lot Lot, qty int64, price decimal.Decimal) (SellResult, error) {
	if err := validateFill(qty, price); err != nil {
		return SellResult{}, err
	}
	if qty > lot.Quantity {
		return SellResult{}, ErrInsufficientQuantity
	}

	proceeds := Cost(price, qty)
	costBasis := Cost(lot.AvgCost, qty)

	remaining := Lot{Quantity: lot.Quantity - qty, AvgCost: lot.AvgCost}
	if remaining.Quantity == 0 {
		remaining = Lot{}
	}

	return SellResult{
		Lot:         remaining,
		Proceeds:    proceeds,
		CostBasis:   costBasis,
		RealizedPnL: proceeds.Sub(costBasis).Round(CostScale),
	}, nil
}

// Money rounds v to DisplayScale.
func Money(v decimal.Decimal) decimal.Decimal {
	return v.Round(DisplayScale)
}

// Percent returns num/den × 100 at PercentScale, or zero when den is zero.
func Percent(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Mul(hundred).DivRound(den, PercentScale)
}

func validateFill(qty int64, price decimal.Decimal) error {
	if qty <= 0 || price.IsNegative() {
		return ErrInvalidFill
	}
	return nil
}
