// Package fees splits a gross payment into platform, affiliate and tax components.
package fees

import (
	"context"

	"github.com/shopspring/decimal"

	"tradeescrow/internal/domain"
)

// Places is the number of decimal places money is kept at.
const Places = 2

// TaxFunc returns the amount withheld for tax on a gross amount. Jurisdiction rules live
// outside this module; the calculator only consumes the result.
type TaxFunc func(gross decimal.Decimal, tradieID string) decimal.Decimal

// NoTax withholds nothing.
func NoTax(decimal.Decimal, string) decimal.Decimal { return decimal.Zero }

// FlatTax withholds a fixed rate of the gross amount.
func FlatTax(rate decimal.Decimal) TaxFunc {
	return func(gross decimal.Decimal, _ string) decimal.Decimal {
		return gross.Mul(rate)
	}
}

// ParentResolver looks up the referring tradie of a tradie, if any.
type ParentResolver interface {
	ParentTradie(ctx context.Context, tradieID string) (string, bool, error)
}

type Calculator struct {
	PlatformRate  decimal.Decimal
	AffiliateRate decimal.Decimal
	Tax           TaxFunc
}

func New(platformRate, affiliateRate decimal.Decimal, tax TaxFunc) Calculator {
	if tax == nil {
		tax = NoTax
	}
	return Calculator{PlatformRate: platformRate, AffiliateRate: affiliateRate, Tax: tax}
}

// Compute returns the breakdown for gross paid to tradieID. parentTradieID is empty when the
// tradie has no referring tradie. Each component is rounded to cents and the net amount is the
// remainder, so the four parts always sum to the gross amount.
func (c Calculator) Compute(gross decimal.Decimal, tradieID, parentTradieID string) (domain.FeeBreakdown, error) {
	if !gross.IsPositive() {
		return domain.FeeBreakdown{}, domain.ErrInvalidAmount
	}
	gross = gross.Round(Places)
	if gross.IsZero() {
		return domain.FeeBreakdown{}, domain.ErrInvalidAmount
	}
	tax := c.Tax
	if tax == nil {
		tax = NoTax
	}
	out := domain.FeeBreakdown{
		Gross:        gross,
		PlatformFee:  gross.Mul(c.PlatformRate).Round(Places),
		AffiliateFee: decimal.Zero,
		TaxAmount:    tax(gross, tradieID).Round(Places),
	}
	if parentTradieID != "" {
		parent := parentTradieID
		out.ParentTradieID = &parent
		out.AffiliateFee = gross.Mul(c.AffiliateRate).Round(Places)
	}
	if out.PlatformFee.IsNegative() || out.AffiliateFee.IsNegative() || out.TaxAmount.IsNegative() {
		return domain.FeeBreakdown{}, domain.ErrInvalidInput.WithMessage("fee components must not be negative")
	}
	out.NetAmount = gross.Sub(out.PlatformFee).Sub(out.AffiliateFee).Sub(out.TaxAmount)
	if out.NetAmount.IsNegative() {
		return domain.FeeBreakdown{}, domain.ErrFeeExceedsAmount.WithMessage(
			"fees %s exceed gross amount %s", gross.Sub(out.NetAmount).StringFixed(Places), gross.StringFixed(Places))
	}
	return out, nil
}

// ComputeForTradie resolves the parent tradie before computing.
func (c Calculator) ComputeForTradie(ctx context.Context, gross decimal.Decimal, tradieID string, r ParentResolver) (domain.FeeBreakdown, error) {
	if !gross.IsPositive() {
		return domain.FeeBreakdown{}, domain.ErrInvalidAmount
	}
	parent := ""
	if r != nil {
		p, ok, err := r.ParentTradie(ctx, tradieID)
		if err != nil {
			return domain.FeeBreakdown{}, err
		}
		if ok {
			parent = p
		}
	}
	return c.Compute(gross, tradieID, parent)
}

// Verify recomputes a stored breakdown and reports whether it still matches.
func (c Calculator) Verify(stored domain.FeeBreakdown, tradieID string) (bool, error) {
	parent := ""
	if stored.ParentTradieID != nil {
		parent = *stored.ParentTradieID
	}
	again, err := c.Compute(stored.Gross, tradieID, parent)
	if err != nil {
		return false, err
	}
	return again.PlatformFee.Equal(stored.PlatformFee) &&
		again.AffiliateFee.Equal(stored.AffiliateFee) &&
		again.TaxAmount.Equal(stored.TaxAmount) &&
		again.NetAmount.Equal(stored.NetAmount), nil
}
