package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/currency"
	"github.com/campuscoin/token-engine/internal/model"
)

// FeeDrops is the flat transaction fee the simulated ledger charges the
// signer, in drops.
const FeeDrops = 12

// fundingXRP is the starting balance of a newly provisioned account.
const fundingXRP = 10_000

// Memory is an in-process simulated ledger. It supports funded account
// creation, native and issued-token payments, idempotent trust-line
// establishment, and offer crossing, and it produces settlement records
// with faithful before/after effect entries — including the low-side sign
// convention for trust-line balances. Used for testing and as the default
// backend when no remote ledger is configured.
//
// Crossing executes the token leg in full and the XRP leg at the selling
// side's asked total, so a taker quoting an aggressive price produces a
// better-price fill for the buyer — exactly the divergence between
// requested and executed terms that reconciliation exists to resolve.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
	lines    map[string]*memLine
	offers   []*restingOffer
	settled  map[string]model.SettlementRecord
}

type memAccount struct {
	balance    decimal.Decimal // drops
	credential string
}

// memLine stores one trust line. The balance is signed relative to the
// lexicographically low party: positive means the high party holds.
type memLine struct {
	low, high string
	currency  string
	balance   decimal.Decimal
	limitLow  decimal.Decimal
	limitHigh decimal.Decimal
}

func (l *memLine) holdingOf(addr string) decimal.Decimal {
	if addr == l.high {
		return l.balance
	}
	return l.balance.Neg()
}

func (l *memLine) setHolding(addr string, v decimal.Decimal) {
	if addr == l.high {
		l.balance = v
	} else {
		l.balance = v.Neg()
	}
}

func (l *memLine) limitOf(addr string) decimal.Decimal {
	if addr == l.high {
		return l.limitHigh
	}
	return l.limitLow
}

type restingOffer struct {
	account string
	gives   model.Amount
	wants   model.Amount
}

// NewMemory creates an empty simulated ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memAccount),
		lines:    make(map[string]*memLine),
		settled:  make(map[string]model.SettlementRecord),
	}
}

// CreateFundedAccount provisions a new account with a starting balance,
// returning its address and an opaque credential handle.
func (m *Memory) CreateFundedAccount(_ context.Context, role model.Role) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	addr := "r" + strings.ToUpper(raw[:24])
	cred := "seed-" + uuid.NewString()

	m.accounts[addr] = &memAccount{
		balance:    decimal.NewFromInt(fundingXRP * currency.DropsPerXRP),
		credential: cred,
	}

	return model.Account{Role: role, Address: addr, Credential: cred}, nil
}

// SubmitAndWait applies the transaction and returns the settlement record
// with before/after effects diffed from ledger state. The signer is
// charged the flat fee whenever the transaction is processed, success or
// not.
func (m *Memory) SubmitAndWait(ctx context.Context, tx model.Transaction, signer model.Account) (model.SettlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.SettlementRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[tx.TxAccount()]
	if !ok {
		return model.SettlementRecord{}, fmt.Errorf("%w: %s", ErrAccountNotFound, tx.TxAccount())
	}

	fee := decimal.NewFromInt(FeeDrops)
	rec := model.SettlementRecord{
		TxID:   uuid.NewString(),
		Signer: signer.Address,
		Fee:    fee,
	}

	if signer.Address != tx.TxAccount() || m.accounts[signer.Address] == nil ||
		m.accounts[signer.Address].credential != signer.Credential {
		rec.Result = ResultBadAuth
		m.settled[rec.TxID] = rec
		return rec, nil
	}

	preBalances := m.snapshotBalances()
	preLines := m.snapshotLines()

	acct.balance = acct.balance.Sub(fee)
	rec.Result = m.apply(tx)
	rec.Effects = m.diffEffects(preBalances, preLines)

	m.settled[rec.TxID] = rec
	return rec, nil
}

// TxSettled reports whether the transaction has been applied. The
// simulator settles synchronously, so any known ID is settled.
func (m *Memory) TxSettled(_ context.Context, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settled[txID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	return true, nil
}

// TrustLines returns the account's lines viewed from its own perspective.
// An issuer sees its holders as negative balances.
func (m *Memory) TrustLines(_ context.Context, account string) ([]model.TrustLineBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}

	var lines []model.TrustLineBalance
	for _, l := range m.sortedLines() {
		var counterparty string
		switch account {
		case l.low:
			counterparty = l.high
		case l.high:
			counterparty = l.low
		default:
			continue
		}
		lines = append(lines, model.TrustLineBalance{
			Counterparty: counterparty,
			Currency:     l.currency,
			Balance:      l.holdingOf(account),
			Limit:        l.limitOf(account),
		})
	}
	return lines, nil
}

// Balance returns an account's native balance in XRP. Test helper.
func (m *Memory) Balance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[account]
	if !ok {
		return decimal.Zero
	}
	return currency.DropsToXRP(acct.balance)
}

// --- Transaction application ---

func (m *Memory) apply(tx model.Transaction) string {
	switch t := tx.(type) {
	case model.Payment:
		return m.applyPayment(t)
	case model.TrustSet:
		return m.applyTrustSet(t)
	case model.OfferCreate:
		return m.applyOffer(t)
	default:
		return ResultBadAmount
	}
}

func (m *Memory) applyPayment(p model.Payment) string {
	if _, ok := m.accounts[p.Destination]; !ok {
		return ResultNoDestination
	}

	if p.Amount.IsNative() {
		drops, err := currency.XRPToDrops(p.Amount.Value)
		if err != nil || drops.LessThanOrEqual(decimal.Zero) {
			return ResultBadAmount
		}
		from := m.accounts[p.Account]
		if from.balance.LessThan(drops) {
			return ResultUnfundedPayment
		}
		from.balance = from.balance.Sub(drops)
		m.accounts[p.Destination].balance = m.accounts[p.Destination].balance.Add(drops)
		return model.ResultSuccess
	}

	if p.Amount.Value.LessThanOrEqual(decimal.Zero) {
		return ResultBadAmount
	}
	return m.moveToken(p.Account, p.Destination, p.Amount)
}

func (m *Memory) applyTrustSet(t model.TrustSet) string {
	if t.Limit.IsNative() || t.Limit.Issuer == "" {
		return ResultBadAmount
	}
	if _, ok := m.accounts[t.Limit.Issuer]; !ok {
		return ResultNoDestination
	}

	l := m.line(t.Account, t.Limit.Issuer, t.Limit.Currency)
	if l == nil {
		low, high := orderPair(t.Account, t.Limit.Issuer)
		l = &memLine{low: low, high: high, currency: t.Limit.Currency}
		m.lines[lineKey(low, high, t.Limit.Currency)] = l
	}
	// Re-establishing an existing line just (re)sets the limit: a no-op
	// when unchanged, never an error.
	if t.Account == l.high {
		l.limitHigh = t.Limit.Value
	} else {
		l.limitLow = t.Limit.Value
	}
	return model.ResultSuccess
}

func (m *Memory) applyOffer(o model.OfferCreate) string {
	tokenLeg, xrpLeg, buying, bad := classifyOffer(o)
	if bad {
		return ResultBadAmount
	}

	// A party about to receive tokens must already hold a trust line.
	if buying && o.Account != tokenLeg.Issuer && m.line(o.Account, tokenLeg.Issuer, tokenLeg.Currency) == nil {
		return ResultNoLine
	}

	for i, r := range m.offers {
		if !crosses(o, r, tokenLeg, xrpLeg, buying) {
			continue
		}

		// The XRP leg executes at the selling side's asked total.
		var buyer, seller string
		var execXRP decimal.Decimal
		if buying {
			buyer, seller = o.Account, r.account
			execXRP = r.wants.Value
		} else {
			buyer, seller = r.account, o.Account
			execXRP = xrpLeg.Value
		}

		if res := m.executeCross(buyer, seller, tokenLeg, execXRP); res != model.ResultSuccess {
			return res
		}
		m.offers = append(m.offers[:i], m.offers[i+1:]...)
		return model.ResultSuccess
	}

	// No cross: the offer rests on the book.
	m.offers = append(m.offers, &restingOffer{account: o.Account, gives: o.TakerGets, wants: o.TakerPays})
	return model.ResultSuccess
}

// classifyOffer splits an offer into its token and XRP legs. buying is
// true when the creator wants the token.
func classifyOffer(o model.OfferCreate) (tokenLeg, xrpLeg model.Amount, buying, bad bool) {
	switch {
	case o.TakerGets.IsNative() && !o.TakerPays.IsNative():
		return o.TakerPays, o.TakerGets, true, false
	case !o.TakerGets.IsNative() && o.TakerPays.IsNative():
		return o.TakerGets, o.TakerPays, false, false
	default:
		return model.Amount{}, model.Amount{}, false, true
	}
}

// crosses reports whether the incoming offer matches a resting one: same
// token, equal token quantity, opposite direction, and the buying side's
// total covers the selling side's ask. Partial fills are not simulated.
func crosses(o model.OfferCreate, r *restingOffer, tokenLeg, xrpLeg model.Amount, buying bool) bool {
	if buying {
		// Incoming buys; resting must sell the same token quantity.
		if r.gives.IsNative() || !r.wants.IsNative() {
			return false
		}
		if r.gives.Currency != tokenLeg.Currency || r.gives.Issuer != tokenLeg.Issuer {
			return false
		}
		if !r.gives.Value.Equal(tokenLeg.Value) {
			return false
		}
		return xrpLeg.Value.GreaterThanOrEqual(r.wants.Value)
	}

	// Incoming sells; resting must buy the same token quantity.
	if !r.gives.IsNative() || r.wants.IsNative() {
		return false
	}
	if r.wants.Currency != tokenLeg.Currency || r.wants.Issuer != tokenLeg.Issuer {
		return false
	}
	if !r.wants.Value.Equal(tokenLeg.Value) {
		return false
	}
	return r.gives.Value.GreaterThanOrEqual(xrpLeg.Value)
}

// executeCross settles a matched trade: XRP from buyer to seller at the
// selling side's asked total, tokens from seller to buyer.
func (m *Memory) executeCross(buyer, seller string, tokenLeg model.Amount, execXRP decimal.Decimal) string {
	drops, err := currency.XRPToDrops(execXRP)
	if err != nil {
		return ResultBadAmount
	}
	b, s := m.accounts[buyer], m.accounts[seller]
	if b == nil || s == nil {
		return ResultNoDestination
	}
	if b.balance.LessThan(drops) {
		return ResultUnfundedOffer
	}

	if res := m.moveToken(seller, buyer, tokenLeg); res != model.ResultSuccess {
		return res
	}
	b.balance = b.balance.Sub(drops)
	s.balance = s.balance.Add(drops)
	return model.ResultSuccess
}

// moveToken shifts issued-token holdings across trust lines. The issuer
// mints when sending and burns when receiving; everyone else needs an
// established line with sufficient holding or headroom. Both legs are
// validated before either is touched: a failed transaction charges the
// fee and nothing else.
func (m *Memory) moveToken(from, to string, amt model.Amount) string {
	v := amt.Value

	var fromLine, toLine *memLine
	if from != amt.Issuer {
		fromLine = m.line(from, amt.Issuer, amt.Currency)
		if fromLine == nil {
			return ResultNoLine
		}
		if fromLine.holdingOf(from).LessThan(v) {
			return ResultPathDry
		}
	}
	if to != amt.Issuer {
		toLine = m.line(to, amt.Issuer, amt.Currency)
		if toLine == nil {
			return ResultNoLine
		}
		if toLine.holdingOf(to).Add(v).GreaterThan(toLine.limitOf(to)) {
			return ResultPathDry
		}
	}

	if fromLine != nil {
		fromLine.setHolding(from, fromLine.holdingOf(from).Sub(v))
	}
	if toLine != nil {
		toLine.setHolding(to, toLine.holdingOf(to).Add(v))
	}
	return model.ResultSuccess
}

// --- Effect generation ---

func (m *Memory) snapshotBalances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.accounts))
	for addr, a := range m.accounts {
		out[addr] = a.balance
	}
	return out
}

func (m *Memory) snapshotLines() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.lines))
	for key, l := range m.lines {
		out[key] = l.balance
	}
	return out
}

// diffEffects compares post-transaction state against the snapshots and
// emits one effect per changed entry, in deterministic order.
func (m *Memory) diffEffects(preBalances, preLines map[string]decimal.Decimal) []model.Effect {
	var effects []model.Effect

	for _, addr := range sortedKeys(m.accounts) {
		a := m.accounts[addr]
		prev, existed := preBalances[addr]
		if existed && prev.Equal(a.balance) {
			continue
		}
		eff := model.AccountBalanceEffect{Address: addr, Final: a.balance}
		if existed {
			p := prev
			eff.Previous = &p
		}
		effects = append(effects, model.Effect{AccountBalance: &eff})
	}

	for _, l := range m.sortedLines() {
		key := lineKey(l.low, l.high, l.currency)
		prev, existed := preLines[key]
		if existed && prev.Equal(l.balance) {
			continue
		}
		eff := model.TrustLineEffect{
			LowAddress:  l.low,
			HighAddress: l.high,
			Currency:    l.currency,
			Final:       l.balance,
		}
		if existed {
			p := prev
			eff.Previous = &p
		}
		effects = append(effects, model.Effect{TrustLine: &eff})
	}

	return effects
}

// --- Helpers ---

func (m *Memory) line(a, b, curr string) *memLine {
	low, high := orderPair(a, b)
	return m.lines[lineKey(low, high, curr)]
}

func (m *Memory) sortedLines() []*memLine {
	keys := sortedKeys(m.lines)
	out := make([]*memLine, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.lines[k])
	}
	return out
}

func orderPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

func lineKey(low, high, curr string) string {
	return low + "|" + high + "|" + curr
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
