package scheme

import (
	"settlement-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// minorUnitPlaces is the number of decimal places of the currency's minor
// unit. Rounding is applied once at the end of each field's computation.
const minorUnitPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to the currency minor unit, half up. Monetary values
// in this engine are never negative, so half-away-from-zero is half-up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(minorUnitPlaces)
}

// EvaluateMoneyValue resolves a tagged flat-or-percent field against a
// transaction amount. Percent fields apply to the amount; flat fields are
// absolute. The result is rounded exactly once.
func EvaluateMoneyValue(mv models.MoneyValue, amount decimal.Decimal) decimal.Decimal {
	if mv.Kind == models.ValuePercent {
		return RoundMoney(amount.Mul(mv.Value).Div(hundred))
	}
	return RoundMoney(mv.Value)
}
