// Package workflow sequences the simulation's four phases against the
// ledger: issue, trade, analyze-and-mint, pay-dividends. It owns the
// session state machine, enforces phase preconditions, and applies the
// fallback policy when ledger effects or the price oracle come up short.
//
// Phases execute sequentially within one session; the engine holds no
// session state of its own and receives the SessionState aggregate on
// every call.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/econ"
	"github.com/campuscoin/token-engine/internal/ledger"
	"github.com/campuscoin/token-engine/internal/matching"
	"github.com/campuscoin/token-engine/internal/metrics"
	"github.com/campuscoin/token-engine/internal/model"
	"github.com/campuscoin/token-engine/internal/oracle"
	"github.com/campuscoin/token-engine/internal/reconcile"
)

// Phase names used in errors, logs, and metrics.
const (
	PhaseSetup     = "setup"
	PhaseTrade     = "trade"
	PhaseExpand    = "expand"
	PhaseDividends = "dividends"
)

var (
	// ErrPreconditionNotMet is returned when a phase is invoked before
	// the phase it depends on has completed. State is left unchanged.
	ErrPreconditionNotMet = errors.New("workflow: required prior phase not completed")

	// ErrSubmissionFailed is returned when the ledger processed a
	// transaction but reported a non-success result code.
	ErrSubmissionFailed = errors.New("workflow: ledger submission failed")

	// ErrSettlementTimeout is returned when a submitted transaction does
	// not become visible as settled within the polling window.
	ErrSettlementTimeout = errors.New("workflow: timed out waiting for settlement")
)

// fallbackSpot is the documented stand-in price when the oracle is
// unavailable and no prior observation exists.
var fallbackSpot = decimal.RequireFromString("0.50")

// trustLimit is the limit used for every trust line this engine creates.
var trustLimit = decimal.RequireFromString("1000000000")

// PhaseError is the typed failure surfaced for every aborted phase: which
// phase failed and why.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseErr(phase string, err error) error {
	return &PhaseError{Phase: phase, Err: err}
}

// Progress is one element of a phase's streamed log. Err is non-nil only
// on the terminal element of a failed stream.
type Progress struct {
	Line string
	Err  error
}

// Engine drives the workflow. It is stateless between calls apart from
// its collaborators and tuning knobs.
type Engine struct {
	ledger ledger.Client
	faucet ledger.Provisioner
	prices oracle.PriceSource

	payoutRate   decimal.Decimal
	pollInterval time.Duration
	pollMax      time.Duration
	pollTimeout  time.Duration
}

// Option tunes an Engine.
type Option func(*Engine)

// WithPayoutRate overrides the per-token dividend rate (default 0.0001:
// one hundredth of a percent of income-XRP per token held).
func WithPayoutRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.payoutRate = rate }
}

// WithPollTiming overrides the settlement-propagation polling schedule.
func WithPollTiming(interval, max, timeout time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = interval
		e.pollMax = max
		e.pollTimeout = timeout
	}
}

// NewEngine creates a workflow engine over the given collaborators.
func NewEngine(lc ledger.Client, faucet ledger.Provisioner, prices oracle.PriceSource, opts ...Option) *Engine {
	e := &Engine{
		ledger:       lc,
		faucet:       faucet,
		prices:       prices,
		payoutRate:   decimal.RequireFromString("0.0001"),
		pollInterval: 250 * time.Millisecond,
		pollMax:      2 * time.Second,
		pollTimeout:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Setup ---

// Setup runs the first phase: fetch the spot price, plan funding, create
// the three accounts, establish the seller's trust line, and issue the
// initial supply. Progress is streamed over the returned channel, which
// is closed when the phase completes or fails; a failed stream's final
// element carries the error. Accounts created before a failure remain in
// place — the phase is not transactional.
func (e *Engine) Setup(ctx context.Context, st *model.SessionState, fundingFiat decimal.Decimal) <-chan Progress {
	out := make(chan Progress, 16)

	go func() {
		defer close(out)

		if st.Phase != model.PhaseUninitialized {
			out <- Progress{Err: phaseErr(PhaseSetup, fmt.Errorf("%w: session already initialized", ErrPreconditionNotMet))}
			return
		}

		out <- Progress{Line: "Initializing simulation..."}

		spot := e.spotOrFallback(ctx, decimal.Zero)
		st.LastSpotPrice = spot
		out <- Progress{Line: fmt.Sprintf("Current XRP price: $%s", spot)}

		plan, err := econ.PlanFunding(fundingFiat, spot, st.Token.IssuedSupply)
		if err != nil {
			out <- Progress{Err: phaseErr(PhaseSetup, err)}
			return
		}
		out <- Progress{Line: fmt.Sprintf("Funding needed: %d XRP", plan.XRPNeeded)}
		out <- Progress{Line: fmt.Sprintf("Suggested initial price: %s XRP per token", plan.SuggestedUnitPrice.Round(4))}

		out <- Progress{Line: "Provisioning accounts..."}
		issuer, err := e.faucet.CreateFundedAccount(ctx, model.RoleIssuer)
		if err == nil {
			st.Issuer = &issuer
			var seller model.Account
			if seller, err = e.faucet.CreateFundedAccount(ctx, model.RoleSeller); err == nil {
				st.Seller = &seller
				var buyer model.Account
				if buyer, err = e.faucet.CreateFundedAccount(ctx, model.RoleBuyer); err == nil {
					st.Buyer = &buyer
				}
			}
		}
		if err != nil {
			out <- Progress{Err: phaseErr(PhaseSetup, fmt.Errorf("provision account: %w", err))}
			return
		}
		out <- Progress{Line: fmt.Sprintf("Accounts ready: issuer=%s seller=%s buyer=%s",
			st.Issuer.Address, st.Seller.Address, st.Buyer.Address)}

		out <- Progress{Line: "Establishing trust line (seller trusts issuer)..."}
		if _, err := e.submit(ctx, model.TrustSet{
			Account: st.Seller.Address,
			Limit:   model.IssuedAmount(st.Token.Code, st.Issuer.Address, trustLimit),
		}, *st.Seller); err != nil {
			out <- Progress{Err: phaseErr(PhaseSetup, err)}
			return
		}

		out <- Progress{Line: fmt.Sprintf("Minting %s %s to seller...", st.Token.IssuedSupply, st.Token.Code)}
		if _, err := e.submit(ctx, model.Payment{
			Account:     st.Issuer.Address,
			Destination: st.Seller.Address,
			Amount:      model.IssuedAmount(st.Token.Code, st.Issuer.Address, st.Token.IssuedSupply),
		}, *st.Issuer); err != nil {
			out <- Progress{Err: phaseErr(PhaseSetup, err)}
			return
		}

		st.Phase = model.PhaseIssued
		out <- Progress{Line: fmt.Sprintf("Issued %s %s to seller.", st.Token.IssuedSupply, st.Token.Code)}
		slog.Info("setup complete",
			"session", st.ID,
			"issuer", st.Issuer.Address,
			"supply", st.Token.IssuedSupply.String(),
			"spot", spot.String(),
		)
	}()

	return out
}

// --- Execute trade ---

// ExecuteTrade runs the second phase: build the maker/taker order pair,
// submit both sides with a settlement-confirmation poll in between, and
// reconcile the taker's settlement into the session's trade record. The
// previous trade record is cleared up front so stale data can never leak
// into a later analysis. Re-entrant: a later call overwrites the trade.
func (e *Engine) ExecuteTrade(ctx context.Context, st *model.SessionState, mode matching.Mode, quantity, unitPrice decimal.Decimal) ([]string, error) {
	st.LastTrade = nil
	st.LastSettlement = nil

	if st.Phase == model.PhaseUninitialized || st.Issuer == nil || st.Seller == nil || st.Buyer == nil {
		return nil, phaseErr(PhaseTrade, fmt.Errorf("%w: run setup first", ErrPreconditionNotMet))
	}

	pair, err := matching.BuildOrders(mode, quantity, unitPrice,
		st.Buyer.Address, st.Seller.Address, st.Token.Code, st.Issuer.Address)
	if err != nil {
		return nil, phaseErr(PhaseTrade, err)
	}

	log := []string{
		fmt.Sprintf("Order: %s tokens @ %s XRP = %s total XRP", quantity, unitPrice, pair.Total),
		fmt.Sprintf("Mode: %s", mode),
	}

	// The buyer must be able to hold the token before either offer can
	// execute; re-establishing an existing line is a no-op.
	log = append(log, "Ensuring buyer trust line exists...")
	if _, err := e.submit(ctx, model.TrustSet{
		Account: st.Buyer.Address,
		Limit:   model.IssuedAmount(st.Token.Code, st.Issuer.Address, trustLimit),
	}, *st.Buyer); err != nil {
		return log, phaseErr(PhaseTrade, err)
	}

	log = append(log, fmt.Sprintf("Submitting maker offer (%s)...", pair.Maker.Account))
	makerRec, err := e.submit(ctx, offerFor(pair.Maker), e.accountFor(st, pair.Maker.Account))
	if err != nil {
		return log, phaseErr(PhaseTrade, err)
	}

	// The taker submission depends on the maker offer being visible in a
	// validated ledger; a fixed sleep here would be a race.
	if err := e.waitSettled(ctx, makerRec.TxID); err != nil {
		return log, phaseErr(PhaseTrade, err)
	}
	log = append(log, "Maker offer settled.")

	log = append(log, fmt.Sprintf("Submitting taker offer (%s, aggressive total %s XRP)...",
		pair.Taker.Account, pair.AggressiveTotal))
	takerRec, err := e.submit(ctx, offerFor(pair.Taker), e.accountFor(st, pair.Taker.Account))
	if err != nil {
		return log, phaseErr(PhaseTrade, err)
	}
	st.LastSettlement = &takerRec

	trade, err := reconcile.Reconcile(takerRec, st.Buyer.Address, st.Issuer.Address, st.Token.Code, &pair.ExpectedSpend)
	if err != nil {
		metrics.ReconcileFailures.WithLabelValues(reconcileReason(err)).Inc()
		return log, phaseErr(PhaseTrade, err)
	}

	st.LastTrade = &trade
	st.Phase = model.PhaseTraded

	marker := ""
	if trade.Approximate {
		marker = " (approximate: derived from intended spend)"
	}
	log = append(log,
		fmt.Sprintf("Trade reconciled: %s tokens moved, %s XRP spent%s", trade.TokensMoved, trade.SettlementSpent, marker),
		fmt.Sprintf("Implied price: %s XRP per token", trade.ImpliedPrice.Round(6)),
	)
	slog.Info("trade executed",
		"session", st.ID,
		"tx", takerRec.TxID,
		"tokens_moved", trade.TokensMoved.String(),
		"spent", trade.SettlementSpent.String(),
		"implied_price", trade.ImpliedPrice.String(),
		"approximate", trade.Approximate,
	)
	return log, nil
}

// --- Analyze and mint ---

// AnalyzeAndMint runs the third phase: size the next mint from the last
// reconciled trade's implied price and issue it. The trade record is left
// in place, so expansions can be chained until a new trade resets it.
func (e *Engine) AnalyzeAndMint(ctx context.Context, st *model.SessionState, nextFundingFiat decimal.Decimal) ([]string, error) {
	if st.LastTrade == nil {
		return nil, phaseErr(PhaseExpand, fmt.Errorf("%w: no reconciled trade; run a trade first", ErrPreconditionNotMet))
	}
	if st.Issuer == nil || st.Seller == nil {
		return nil, phaseErr(PhaseExpand, fmt.Errorf("%w: run setup first", ErrPreconditionNotMet))
	}

	spot := e.spotOrFallback(ctx, st.LastSpotPrice)
	st.LastSpotPrice = spot

	trade := st.LastTrade
	log := []string{
		fmt.Sprintf("Analyzing last trade: %s tokens for %s XRP (implied %s XRP/token)",
			trade.TokensMoved, trade.SettlementSpent, trade.ImpliedPrice.Round(6)),
		fmt.Sprintf("Spot price: $%s", spot),
	}

	mintQty, err := econ.NextMintQuantity(nextFundingFiat, spot, trade.ImpliedPrice)
	if err != nil {
		return log, phaseErr(PhaseExpand, err)
	}
	if mintQty == 0 {
		log = append(log, "Funding target already covered; nothing to mint.")
		return log, nil
	}

	targetXRP := nextFundingFiat.Div(spot)
	log = append(log, fmt.Sprintf("Next funding: $%s (~%s XRP) => minting %d tokens",
		nextFundingFiat, targetXRP.Round(2), mintQty))

	if _, err := e.submit(ctx, model.Payment{
		Account:     st.Issuer.Address,
		Destination: st.Seller.Address,
		Amount:      model.IssuedAmount(st.Token.Code, st.Issuer.Address, decimal.NewFromInt(mintQty)),
	}, *st.Issuer); err != nil {
		return log, phaseErr(PhaseExpand, err)
	}

	st.Token.IssuedSupply = st.Token.IssuedSupply.Add(decimal.NewFromInt(mintQty))
	st.Phase = model.PhaseExpanded
	log = append(log, fmt.Sprintf("Minted %d %s. Total supply: %s", mintQty, st.Token.Code, st.Token.IssuedSupply))

	slog.Info("supply expanded",
		"session", st.ID,
		"minted", mintQty,
		"supply", st.Token.IssuedSupply.String(),
	)
	return log, nil
}

// --- Pay dividends ---

// PayDividends runs the side action: query the issuer's trust lines and
// pay every token holder its share of the income. One holder's failed
// submission is logged and counted, then processing continues — partial
// success is the expected outcome, not a fatal error. The primary phase
// is unchanged.
func (e *Engine) PayDividends(ctx context.Context, st *model.SessionState, incomeFiat decimal.Decimal) ([]string, error) {
	if st.Issuer == nil {
		return nil, phaseErr(PhaseDividends, fmt.Errorf("%w: run setup first", ErrPreconditionNotMet))
	}

	spot := e.spotOrFallback(ctx, decimal.Zero)
	incomeXRP := incomeFiat.Div(spot)

	log := []string{
		fmt.Sprintf("Income: $%s (~%s XRP)", incomeFiat, incomeXRP.Round(4)),
		fmt.Sprintf("Payout rate: %s XRP per token held", incomeXRP.Mul(e.payoutRate).Round(8)),
	}

	lines, err := e.ledger.TrustLines(ctx, st.Issuer.Address)
	if err != nil {
		return log, phaseErr(PhaseDividends, fmt.Errorf("query trust lines: %w", err))
	}

	paid, failed := 0, 0
	for _, line := range lines {
		if line.Currency != st.Token.Code {
			continue
		}
		// The issuer sees holders as negative balances.
		if !line.Balance.IsNegative() {
			continue
		}
		held := line.Balance.Abs()

		amount, err := econ.DividendPerHolder(incomeFiat, spot, e.payoutRate, held)
		if err != nil {
			return log, phaseErr(PhaseDividends, err)
		}
		// Truncate to drop precision; never pay out more than computed.
		amount = amount.Truncate(6)
		if amount.LessThanOrEqual(decimal.Zero) {
			continue
		}

		if _, err := e.submit(ctx, model.Payment{
			Account:     st.Issuer.Address,
			Destination: line.Counterparty,
			Amount:      model.NativeAmount(amount),
		}, *st.Issuer); err != nil {
			failed++
			metrics.DividendFailures.Inc()
			slog.Warn("dividend payment failed",
				"session", st.ID,
				"holder", line.Counterparty,
				"err", err,
			)
			log = append(log, fmt.Sprintf("Failed to pay %s (skipped)", line.Counterparty))
			continue
		}

		paid++
		metrics.DividendPayments.Inc()
		log = append(log, fmt.Sprintf("Paid %s: %s XRP", line.Counterparty, amount))
	}

	log = append(log, fmt.Sprintf("Dividend run complete: paid %d holder(s), %d failure(s).", paid, failed))
	slog.Info("dividends paid", "session", st.ID, "paid", paid, "failed", failed)
	return log, nil
}

// --- Helpers ---

// submit sends one transaction and normalizes the two failure shapes: a
// transport error and a non-success result code.
func (e *Engine) submit(ctx context.Context, tx model.Transaction, signer model.Account) (model.SettlementRecord, error) {
	rec, err := e.ledger.SubmitAndWait(ctx, tx, signer)
	if err != nil {
		metrics.LedgerSubmissions.WithLabelValues(tx.TxType(), "unreachable").Inc()
		return rec, fmt.Errorf("submit %s: %w", tx.TxType(), err)
	}

	metrics.LedgerSubmissions.WithLabelValues(tx.TxType(), rec.Result).Inc()
	if !rec.Succeeded() {
		return rec, fmt.Errorf("%w: %s returned %s", ErrSubmissionFailed, tx.TxType(), rec.Result)
	}
	return rec, nil
}

// waitSettled polls the ledger until txID is visible as settled, with
// exponential backoff up to pollMax and an overall pollTimeout.
func (e *Engine) waitSettled(ctx context.Context, txID string) error {
	deadline := time.Now().Add(e.pollTimeout)
	interval := e.pollInterval

	for {
		settled, err := e.ledger.TxSettled(ctx, txID)
		if err == nil && settled {
			return nil
		}

		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("%w: last error: %v", ErrSettlementTimeout, err)
			}
			return ErrSettlementTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > e.pollMax {
			interval = e.pollMax
		}
	}
}

// spotOrFallback fetches the spot price, degrading first to the last
// observed price and then to the documented fixed fallback. Oracle
// trouble never fails a phase.
func (e *Engine) spotOrFallback(ctx context.Context, last decimal.Decimal) decimal.Decimal {
	price, err := e.prices.Price(ctx)
	if err == nil && price.IsPositive() {
		return price
	}

	if last.IsPositive() {
		slog.Warn("price oracle unavailable, using last observed price", "price", last.String(), "err", err)
		return last
	}
	slog.Warn("price oracle unavailable, using fixed fallback", "price", fallbackSpot.String(), "err", err)
	return fallbackSpot
}

// accountFor resolves an address back to its session account.
func (e *Engine) accountFor(st *model.SessionState, addr string) model.Account {
	for _, acct := range []*model.Account{st.Issuer, st.Seller, st.Buyer} {
		if acct != nil && acct.Address == addr {
			return *acct
		}
	}
	return model.Account{Address: addr}
}

func offerFor(o model.Order) model.OfferCreate {
	return model.OfferCreate{
		Account:   o.Account,
		TakerGets: o.Gives,
		TakerPays: o.Wants,
	}
}

func reconcileReason(err error) string {
	switch {
	case errors.Is(err, reconcile.ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, reconcile.ErrNoSpendSignal):
		return "no_spend_signal"
	case errors.Is(err, reconcile.ErrNoTokenMovement):
		return "no_token_movement"
	default:
		return "other"
	}
}
