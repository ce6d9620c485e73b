// Package matching computes the maker/taker order pair for one trade
// between the session's buyer and seller.
//
// The maker posts an order at the exact requested total. The taker posts a
// counter-order at an aggressive total — 1% more favorable to the
// counterparty — to raise the odds of matching against any intervening
// market activity. The aggressive price is a matching heuristic only:
// actual fill terms always come from reconciling the settlement effects.
package matching

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/model"
)

// Mode selects which party posts the resting (maker) order.
type Mode string

const (
	// BuyerInitiates: the buyer posts a buy order; the seller fills it,
	// asking slightly less to ensure a match.
	BuyerInitiates Mode = "buyer_initiates"

	// SellerInitiates: the seller posts a sell order; the buyer fills it,
	// paying slightly more to ensure a match.
	SellerInitiates Mode = "seller_initiates"
)

var (
	// ErrInvalidQuantity is returned for a non-positive token quantity.
	ErrInvalidQuantity = errors.New("matching: quantity must be positive")

	// ErrInvalidPrice is returned for a non-positive unit price.
	ErrInvalidPrice = errors.New("matching: unit price must be positive")

	// ErrUnknownMode is returned for a mode outside the two defined ones.
	ErrUnknownMode = errors.New("matching: unknown trade mode")
)

var (
	sellerDiscount = decimal.RequireFromString("0.99")
	buyerPremium   = decimal.RequireFromString("1.01")
)

// Pair is the computed order pair for one trade. Total is the maker's
// exact XRP total; AggressiveTotal is the taker's concession-adjusted XRP
// total; ExpectedSpend is the XRP amount the buyer is expected to pay if
// the orders cross as intended (the lower of the two totals), used as the
// reconciliation fallback when the settlement omits a spend signal.
type Pair struct {
	Maker           model.Order
	Taker           model.Order
	Total           decimal.Decimal
	AggressiveTotal decimal.Decimal
	ExpectedSpend   decimal.Decimal
}

// BuildOrders computes the maker and taker orders for quantity tokens at
// unitPrice XRP per token. Totals are computed with decimal arithmetic so
// requested terms render exactly as entered. Both parties must hold trust
// lines for the token before submission; the workflow establishes the
// taker's line (idempotently) as a prerequisite step.
func BuildOrders(
	mode Mode,
	quantity, unitPrice decimal.Decimal,
	buyerAddr, sellerAddr string,
	tokenCode, issuerAddr string,
) (Pair, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return Pair{}, ErrInvalidQuantity
	}
	if unitPrice.LessThanOrEqual(decimal.Zero) {
		return Pair{}, ErrInvalidPrice
	}

	total := quantity.Mul(unitPrice)
	tokens := model.IssuedAmount(tokenCode, issuerAddr, quantity)

	switch mode {
	case BuyerInitiates:
		// Buyer posts the bid; seller fills, asking 1% less XRP.
		aggressive := total.Mul(sellerDiscount)
		return Pair{
			Maker: model.Order{
				Account: buyerAddr,
				Gives:   model.NativeAmount(total),
				Wants:   tokens,
			},
			Taker: model.Order{
				Account: sellerAddr,
				Gives:   tokens,
				Wants:   model.NativeAmount(aggressive),
			},
			Total:           total,
			AggressiveTotal: aggressive,
			ExpectedSpend:   aggressive,
		}, nil

	case SellerInitiates:
		// Seller posts the ask; buyer fills, offering 1% more XRP. The
		// cross is still expected to execute at the maker's total.
		aggressive := total.Mul(buyerPremium)
		return Pair{
			Maker: model.Order{
				Account: sellerAddr,
				Gives:   tokens,
				Wants:   model.NativeAmount(total),
			},
			Taker: model.Order{
				Account: buyerAddr,
				Gives:   model.NativeAmount(aggressive),
				Wants:   tokens,
			},
			Total:           total,
			AggressiveTotal: aggressive,
			ExpectedSpend:   total,
		}, nil

	default:
		return Pair{}, ErrUnknownMode
	}
}
