// Package model defines the core domain types shared across the token engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// NativeCurrency is the settlement currency code. Its smallest on-ledger
// unit is the drop (1 XRP = 1,000,000 drops).
const NativeCurrency = "XRP"

// ResultSuccess is the ledger result code for a fully applied transaction.
const ResultSuccess = "tesSUCCESS"

// Role identifies which seat an account occupies in the simulation.
type Role string

const (
	RoleIssuer Role = "issuer"
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// Account is one of the three session participants. Accounts are created
// once during Setup and are immutable afterward. The credential handle is
// opaque and owned by the ledger implementation; it never leaves the server.
type Account struct {
	Role       Role   `json:"role"`
	Address    string `json:"address"`
	Credential string `json:"-"`
}

// Token is the fungible asset issued by the session's issuer account.
// Supply only increases (mint), never decreases.
type Token struct {
	Code         string          `json:"code"`
	IssuedSupply decimal.Decimal `json:"issued_supply"`
}

// Amount is a currency value on the ledger: either the native settlement
// currency (XRP, no issuer) or an issued token identified by code+issuer.
type Amount struct {
	Currency string          `json:"currency"`
	Issuer   string          `json:"issuer,omitempty"`
	Value    decimal.Decimal `json:"value"`
}

// NativeAmount builds an XRP amount.
func NativeAmount(v decimal.Decimal) Amount {
	return Amount{Currency: NativeCurrency, Value: v}
}

// IssuedAmount builds an issued-token amount.
func IssuedAmount(code, issuer string, v decimal.Decimal) Amount {
	return Amount{Currency: code, Issuer: issuer, Value: v}
}

// IsNative reports whether the amount is denominated in the settlement
// currency.
func (a Amount) IsNative() bool {
	return a.Currency == NativeCurrency
}

// Order is an ephemeral exchange intent: the account gives one asset and
// wants another. Orders exist only for the duration of a submission.
type Order struct {
	Account string `json:"account"`
	Gives   Amount `json:"gives"`
	Wants   Amount `json:"wants"`
}

// TrustLineBalance is one row of a trust-line query, viewed from the
// perspective of the queried account. An issuer sees its holders as
// negative balances.
type TrustLineBalance struct {
	Counterparty string          `json:"counterparty"`
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Limit        decimal.Decimal `json:"limit"`
}

// --- Transactions ---

// Transaction is the tagged set of ledger operations this engine submits.
type Transaction interface {
	// TxAccount returns the address that authorizes (and signs) the
	// transaction.
	TxAccount() string
	// TxType returns the transaction type name used in logs and metrics.
	TxType() string
}

// Payment moves an Amount from Account to Destination.
type Payment struct {
	Account     string `json:"account"`
	Destination string `json:"destination"`
	Amount      Amount `json:"amount"`
}

func (p Payment) TxAccount() string { return p.Account }
func (p Payment) TxType() string    { return "payment" }

// TrustSet establishes (or re-establishes, as a no-op) a trust line from
// Account toward the limit amount's issuer.
type TrustSet struct {
	Account string `json:"account"`
	Limit   Amount `json:"limit"`
}

func (t TrustSet) TxAccount() string { return t.Account }
func (t TrustSet) TxType() string    { return "trust_set" }

// OfferCreate posts an exchange offer. TakerGets is what the offer's
// creator gives up; TakerPays is what the creator wants in return.
type OfferCreate struct {
	Account   string `json:"account"`
	TakerGets Amount `json:"taker_gets"`
	TakerPays Amount `json:"taker_pays"`
}

func (o OfferCreate) TxAccount() string { return o.Account }
func (o OfferCreate) TxType() string    { return "offer_create" }

// --- Settlement ---

// AccountBalanceEffect records a change to an account's native balance, in
// drops. Previous is nil when the ledger omitted the prior value (for
// example on entry creation).
type AccountBalanceEffect struct {
	Address  string           `json:"address"`
	Previous *decimal.Decimal `json:"previous,omitempty"`
	Final    decimal.Decimal  `json:"final"`
}

// TrustLineEffect records a change to a trust-line balance. The stored
// balance is signed relative to the lexicographically low party of the
// pair: a positive balance means the high party holds the currency.
// Previous is nil when the line was created by this transaction.
type TrustLineEffect struct {
	LowAddress  string           `json:"low_address"`
	HighAddress string           `json:"high_address"`
	Currency    string           `json:"currency"`
	Previous    *decimal.Decimal `json:"previous,omitempty"`
	Final       decimal.Decimal  `json:"final"`
}

// Effect is a tagged union: exactly one field is non-nil.
type Effect struct {
	AccountBalance *AccountBalanceEffect `json:"account_balance,omitempty"`
	TrustLine      *TrustLineEffect      `json:"trust_line,omitempty"`
}

// SettlementRecord is the ledger's authoritative post-transaction state.
type SettlementRecord struct {
	TxID    string          `json:"tx_id"`
	Signer  string          `json:"signer"`
	Fee     decimal.Decimal `json:"fee"` // drops
	Result  string          `json:"result"`
	Effects []Effect        `json:"effects"`
}

// Succeeded reports whether the transaction was fully applied.
func (s SettlementRecord) Succeeded() bool {
	return s.Result == ResultSuccess
}

// ReconciledTrade is the economic delta derived from a settlement's
// effects — what actually happened, never the originally requested terms.
// ImpliedPrice is undefined (never computed) when TokensMoved is zero.
type ReconciledTrade struct {
	TokensMoved     decimal.Decimal `json:"tokens_moved"`     // unsigned
	SettlementSpent decimal.Decimal `json:"settlement_spent"` // signed, XRP
	ImpliedPrice    decimal.Decimal `json:"implied_price"`    // XRP per token
	Approximate     bool            `json:"approximate"`
}

// --- Session ---

// Phase is the workflow state machine's primary state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseIssued        Phase = "issued"
	PhaseTraded        Phase = "traded"
	PhaseExpanded      Phase = "expanded"
)

// SessionState is the single mutable aggregate for one simulation session.
// It is owned by the workflow engine's caller and passed by reference to
// each phase; leaf components must not retain it across calls. Account
// fields are set exactly once during Setup.
type SessionState struct {
	ID    string `json:"id"`
	Phase Phase  `json:"phase"`

	Issuer *Account `json:"issuer,omitempty"`
	Seller *Account `json:"seller,omitempty"`
	Buyer  *Account `json:"buyer,omitempty"`

	Token Token `json:"token"`

	LastSettlement *SettlementRecord `json:"last_settlement,omitempty"`
	LastTrade      *ReconciledTrade  `json:"last_trade,omitempty"`
	LastSpotPrice  decimal.Decimal   `json:"last_spot_price"`
}

// NewSessionState creates an uninitialized session for the given token.
func NewSessionState(id, tokenCode string, supply decimal.Decimal) *SessionState {
	return &SessionState{
		ID:    id,
		Phase: PhaseUninitialized,
		Token: Token{Code: tokenCode, IssuedSupply: supply},
	}
}

// --- Audit records ---

// PhaseRun is an immutable audit record of one phase execution.
type PhaseRun struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Phase      string    `json:"phase"`
	Status     string    `json:"status"` // "ok" or "error"
	Detail     string    `json:"detail"` // joined progress log
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// TradeRecord persists one reconciled trade for later inspection.
type TradeRecord struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	TxID            string          `json:"tx_id"`
	TokensMoved     decimal.Decimal `json:"tokens_moved"`
	SettlementSpent decimal.Decimal `json:"settlement_spent"`
	ImpliedPrice    decimal.Decimal `json:"implied_price"`
	Approximate     bool            `json:"approximate"`
	CreatedAt       time.Time       `json:"created_at"`
}
