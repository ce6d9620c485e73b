// Package reconcile derives an economic delta from a ledger settlement's
// heterogeneous effect records: who paid how much of which asset.
//
// Ledger order-matching does not guarantee that the requested price or
// quantity executes as posted (partial fills, better-price fills), so all
// downstream economics are computed from the effects the ledger actually
// reported — never from the originally requested order terms.
//
// All monetary values use shopspring/decimal — never float64 for money.
package reconcile

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/currency"
	"github.com/campuscoin/token-engine/internal/model"
)

var (
	// ErrAmbiguous is returned when the settlement contains more than one
	// balance record for the buyer; picking one silently would be guessing.
	ErrAmbiguous = errors.New("reconcile: ambiguous buyer balance effects")

	// ErrNoSpendSignal is returned when neither the settlement nor the
	// caller supplies a usable settlement-currency delta for the buyer.
	ErrNoSpendSignal = errors.New("reconcile: no spend signal in settlement effects")

	// ErrNoTokenMovement is returned when the trust-line effects show no
	// token movement; an implied price cannot be computed.
	ErrNoTokenMovement = errors.New("reconcile: no token movement in settlement effects")
)

// Reconcile scans a settlement's effect records and returns the trade that
// actually executed between buyer and issuer's token.
//
// The buyer's spend is the drop in its native balance, net of the
// transaction fee when the buyer signed the transaction (the signer alone
// bears the fee, and the ledger folds it into the raw balance change).
// Token movement is accumulated from trust-line effects for the exact
// {buyer, issuer} pair; the stored balance is signed relative to the
// lexicographically low party, so the buyer's holding is negated when the
// buyer sits on the low side.
//
// When the settlement carries no usable spend delta, fallbackSpend (the
// intended spend, in XRP) substitutes for it and the result is marked
// approximate.
func Reconcile(
	settlement model.SettlementRecord,
	buyerAddr, issuerAddr, tokenCode string,
	fallbackSpend *decimal.Decimal,
) (model.ReconciledTrade, error) {
	var (
		spent       decimal.Decimal
		spendUsable bool
		buyerSeen   int
		tokenDelta  decimal.Decimal
	)

	for _, eff := range settlement.Effects {
		if ab := eff.AccountBalance; ab != nil && ab.Address == buyerAddr {
			buyerSeen++
			if buyerSeen > 1 {
				return model.ReconciledTrade{}, ErrAmbiguous
			}
			if ab.Previous == nil {
				continue // no prior value reported; not a usable delta
			}
			delta := ab.Previous.Sub(ab.Final) // positive => balance decreased
			if settlement.Signer == buyerAddr {
				delta = delta.Sub(settlement.Fee)
			}
			spent = currency.DropsToXRP(delta)
			spendUsable = true
		}

		if tl := eff.TrustLine; tl != nil && tl.Currency == tokenCode {
			if !pairMatches(tl, buyerAddr, issuerAddr) {
				continue
			}
			prev := decimal.Zero
			if tl.Previous != nil {
				prev = *tl.Previous
			}
			curr := tl.Final
			// The stored balance is relative to the low party; negate it
			// when the buyer is low so the delta reads as buyer holdings.
			if tl.LowAddress == buyerAddr {
				prev = prev.Neg()
				curr = curr.Neg()
			}
			tokenDelta = tokenDelta.Add(curr.Sub(prev))
		}
	}

	if !spendUsable {
		if fallbackSpend == nil {
			return model.ReconciledTrade{}, ErrNoSpendSignal
		}
		spent = *fallbackSpend
	}

	moved := tokenDelta.Abs()
	if moved.IsZero() {
		return model.ReconciledTrade{}, ErrNoTokenMovement
	}

	return model.ReconciledTrade{
		TokensMoved:     moved,
		SettlementSpent: spent,
		ImpliedPrice:    spent.Div(moved),
		Approximate:     !spendUsable,
	}, nil
}

// pairMatches reports whether the trust line connects exactly the buyer
// and the issuer, in either orientation.
func pairMatches(tl *model.TrustLineEffect, buyerAddr, issuerAddr string) bool {
	return (tl.LowAddress == buyerAddr && tl.HighAddress == issuerAddr) ||
		(tl.LowAddress == issuerAddr && tl.HighAddress == buyerAddr)
}
