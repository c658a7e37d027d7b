package cart

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
)

// Pricing holds the deterministic parameters used to derive totals.
type Pricing struct {
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
}

// DefaultPricing matches the storefront defaults: 8% tax, free shipping from 50.
func DefaultPricing() Pricing {
	return Pricing{
		TaxRate:               decimal.RequireFromString("0.08"),
		FreeShippingThreshold: decimal.NewFromInt(50),
		FlatShippingFee:       decimal.RequireFromString("5.99"),
	}
}

func PricingFromConfig(cfg config.PricingConfig) Pricing {
	return Pricing{
		TaxRate:               cfg.TaxRate,
		FreeShippingThreshold: cfg.FreeShippingThreshold,
		FlatShippingFee:       cfg.FlatShippingFee,
	}
}

// Totals are derived from lines on every read and never stored.
type Totals struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Shipping  decimal.Decimal `json:"shipping"`
	Total     decimal.Decimal `json:"total"`
	LineCount int             `json:"lineCount"`
	ItemCount int             `json:"itemCount"`
}

// Totals computes subtotal, tax rounded to cents, shipping and total. An empty
// cart ships for free.
func (p Pricing) Totals(lines []Line) Totals {
	subtotal := decimal.Zero
	items := 0
	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal())
		items += line.Quantity
	}

	tax := subtotal.Mul(p.TaxRate).Round(2)

	shipping := decimal.Zero
	if len(lines) > 0 && subtotal.LessThan(p.FreeShippingThreshold) {
		shipping = p.FlatShippingFee
	}

	return Totals{
		Subtotal:  subtotal,
		Tax:       tax,
		Shipping:  shipping,
		Total:     subtotal.Add(tax).Add(shipping),
		LineCount: len(lines),
		ItemCount: items,
	}
}
