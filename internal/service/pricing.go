package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/database"
)

var ErrInvalidDiscount = errors.New("discount code is not valid for this order")

var hundred = decimal.NewFromInt(100)

// Totals is the priced order. Total = Subtotal - DiscountAmount + TaxAmount.
type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
}

// ResolveDiscount picks at most one discount for subtotal. A supplied code
// must match an applicable discount exactly. Without a code, the highest
// percentage automatic discount wins and ties go to the lowest id.
func ResolveDiscount(ctx context.Context, store Store, code string, subtotal decimal.Decimal, now time.Time) (*database.Discount, error) {
	code = normalizeDiscountCode(code)
	if code != "" {
		d, err := store.GetDiscountByCode(ctx, code)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrInvalidDiscount
			}
			return nil, fmt.Errorf("get discount: %w", err)
		}
		if !discountApplies(d, subtotal, now) {
			return nil, ErrInvalidDiscount
		}
		return &d, nil
	}

	candidates, err := store.ListAutomaticDiscounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list automatic discounts: %w", err)
	}
	var best *database.Discount
	for i := range candidates {
		d := candidates[i]
		if d.RequiresCode || !discountApplies(d, subtotal, now) {
			continue
		}
		if best == nil {
			best = &d
			continue
		}
		cmp := numericToDecimal(d.Percentage).Cmp(numericToDecimal(best.Percentage))
		if cmp > 0 || cmp == 0 && d.ID < best.ID {
			best = &d
		}
	}
	return best, nil
}

func discountApplies(d database.Discount, subtotal decimal.Decimal, now time.Time) bool {
	if !d.Active {
		return false
	}
	if d.StartsAt.Valid && now.Before(d.StartsAt.Time) {
		return false
	}
	if d.EndsAt.Valid && !now.Before(d.EndsAt.Time) {
		return false
	}
	if pct := numericToDecimal(d.Percentage); !pct.IsPositive() || pct.GreaterThan(hundred) {
		return false
	}
	return subtotal.GreaterThanOrEqual(numericToDecimal(d.MinPurchase))
}

// CalculateTotals applies the discount first and taxes the discounted
// subtotal. The discount and the total are rounded to places decimals; the
// tax takes the rounding remainder so that total = subtotal - discount + tax.
func CalculateTotals(subtotal decimal.Decimal, discount *database.Discount, taxPercentage decimal.Decimal, places int32) Totals {
	subtotal = subtotal.Round(2)
	discountAmount := decimal.Zero
	if discount != nil {
		discountAmount = subtotal.Mul(numericToDecimal(discount.Percentage)).Div(hundred).Round(places)
	}
	taxable := subtotal.Sub(discountAmount)
	if taxable.IsNegative() {
		taxable = decimal.Zero
	}
	total := taxable.Add(taxable.Mul(taxPercentage).Div(hundred)).Round(places)
	return Totals{
		Subtotal:       subtotal,
		DiscountAmount: discountAmount,
		TaxAmount:      total.Sub(taxable),
		Total:          total,
	}
}

func normalizeDiscountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
