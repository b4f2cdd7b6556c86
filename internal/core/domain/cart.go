package domain

import "github.com/shopspring/decimal"

type CartItem struct {
	ProductID   string          `json:"product_id"`
	Quantity    int             `json:"quantity"`
	PriceAtTime decimal.Decimal `json:"price_at_time"`
}

func (i CartItem) ItemTotal() decimal.Decimal {
	return i.PriceAtTime.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type CartSummary struct {
	TotalItems int             `json:"total_items"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

type Cart struct {
	UserID  string      `json:"user_id"`
	Items   []CartItem  `json:"items"`
	Summary CartSummary `json:"summary"`
}
