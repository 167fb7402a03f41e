package pricing

import (
	"github.com/shopspring/decimal"
)

const moneyPlaces = 2

// MaxAmount is the largest value any stored order amount column can hold.
var MaxAmount = decimal.RequireFromString("999999999999.99")

// Policy is the flat-fee shipping and percentage tax applied to every order.
type Policy struct {
	ShippingCost decimal.Decimal
	TaxRate      decimal.Decimal
}

type Line struct {
	ProductID int64
	UnitPrice decimal.Decimal
	Quantity  int
}

func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Totals struct {
	TotalAmount  decimal.Decimal
	ShippingCost decimal.Decimal
	TaxAmount    decimal.Decimal
}

func (t Totals) FinalTotal() decimal.Decimal {
	return t.TotalAmount.Add(t.ShippingCost).Add(t.TaxAmount)
}

// Storable reports whether every amount of the order, the final total included,
// fits the order and payment columns.
func (t Totals) Storable() bool {
	return t.FinalTotal().LessThanOrEqual(MaxAmount)
}

func Subtotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total.Round(moneyPlaces)
}

func (p Policy) Tax(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.TaxRate).Round(moneyPlaces)
}

func (p Policy) Compute(lines []Line) Totals {
	subtotal := Subtotal(lines)
	return Totals{
		TotalAmount:  subtotal,
		ShippingCost: p.ShippingCost.Round(moneyPlaces),
		TaxAmount:    p.Tax(subtotal),
	}
}
