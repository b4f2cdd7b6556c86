package service

import (
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
)

// Amounts are carried in the base currency unit with cent precision.
const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

func validAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Round(moneyPlaces))
}

func lineTotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity)))
}

func cartSubtotal(lines []domain.CartLine) decimal.Decimal {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(lineTotal(l.Price, l.Quantity))
	}
	return subtotal
}
