// Package econ derives follow-on economic quantities from a reconciled
// trade: the next mint size, per-holder dividend amounts, and the initial
// funding plan. Implied prices are never computed here — they come only
// from reconciling settlement effects.
//
// All monetary values use shopspring/decimal — never float64 for money.
package econ

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/currency"
)

var (
	// ErrInvalidSpotPrice is returned for a non-positive spot price.
	ErrInvalidSpotPrice = errors.New("econ: spot price must be positive")

	// ErrInvalidReferencePrice is returned for a non-positive reference
	// price.
	ErrInvalidReferencePrice = errors.New("econ: reference price must be positive")

	// ErrInvalidSupply is returned for a non-positive token supply.
	ErrInvalidSupply = errors.New("econ: token supply must be positive")
)

// NextMintQuantity returns how many whole tokens to mint so that selling
// them at referencePrice (XRP per token) covers targetFiat converted at
// spotPrice (fiat per XRP). The result is rounded up: minting must cover
// at least the funding target, never undershoot it.
func NextMintQuantity(targetFiat, spotPrice, referencePrice decimal.Decimal) (int64, error) {
	if spotPrice.LessThanOrEqual(decimal.Zero) {
		return 0, ErrInvalidSpotPrice
	}
	if referencePrice.LessThanOrEqual(decimal.Zero) {
		return 0, ErrInvalidReferencePrice
	}
	if targetFiat.LessThanOrEqual(decimal.Zero) {
		return 0, nil
	}

	targetXRP := targetFiat.Div(spotPrice)
	return currency.CeilInt64(targetXRP.Div(referencePrice)), nil
}

// DividendPerHolder returns the XRP payout owed to one holder:
// (income / spot) × payoutRate × holderBalance. Callers skip holders whose
// computed payout is not positive — no zero-amount transfers.
func DividendPerHolder(totalIncomeFiat, spotPrice, payoutRate, holderBalance decimal.Decimal) (decimal.Decimal, error) {
	if spotPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, ErrInvalidSpotPrice
	}

	incomeXRP := totalIncomeFiat.Div(spotPrice)
	return incomeXRP.Mul(payoutRate).Mul(holderBalance), nil
}

// FundingPlan is the setup phase's initial sizing: how much XRP the
// funding target requires and the suggested unit price implied by the
// initial supply.
type FundingPlan struct {
	XRPNeeded          int64
	SuggestedUnitPrice decimal.Decimal
}

// PlanFunding converts the fiat funding target at spotPrice, rounds the
// XRP requirement up to a whole unit, and spreads it across the supply to
// suggest an initial price per token.
func PlanFunding(targetFiat, spotPrice, supply decimal.Decimal) (FundingPlan, error) {
	if spotPrice.LessThanOrEqual(decimal.Zero) {
		return FundingPlan{}, ErrInvalidSpotPrice
	}
	if supply.LessThanOrEqual(decimal.Zero) {
		return FundingPlan{}, ErrInvalidSupply
	}

	needed := currency.CeilInt64(targetFiat.Div(spotPrice))
	return FundingPlan{
		XRPNeeded:          needed,
		SuggestedUnitPrice: decimal.NewFromInt(needed).Div(supply),
	}, nil
}
