// Package ledger defines the contract the workflow engine uses to talk to
// an XRPL-style ledger, plus two implementations: an in-process simulated
// ledger (testing, development) and a JSON-RPC client for a remote node.
package ledger

import (
	"context"
	"errors"

	"github.com/campuscoin/token-engine/internal/model"
)

// Failure result codes reported inside settlement records. A non-success
// code means the transaction was processed but not applied as requested.
const (
	ResultBadAuth         = "tefBAD_AUTH"
	ResultBadAmount       = "temBAD_AMOUNT"
	ResultNoDestination   = "tecNO_DST"
	ResultNoLine          = "tecNO_LINE"
	ResultPathDry         = "tecPATH_DRY"
	ResultUnfundedPayment = "tecUNFUNDED_PAYMENT"
	ResultUnfundedOffer   = "tecUNFUNDED_OFFER"
)

var (
	// ErrAccountNotFound is returned when a transaction references an
	// address the ledger has never seen.
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrTxNotFound is returned by TxSettled for an unknown transaction.
	ErrTxNotFound = errors.New("ledger: transaction not found")
)

// Client submits transactions and queries ledger state. SubmitAndWait
// blocks until the ledger confirms the transaction or the context is
// cancelled; a returned SettlementRecord may still carry a failure result
// code.
type Client interface {
	SubmitAndWait(ctx context.Context, tx model.Transaction, signer model.Account) (model.SettlementRecord, error)

	// TxSettled reports whether a previously submitted transaction is
	// visible in a validated ledger. Used to poll for propagation before
	// submitting a dependent transaction.
	TxSettled(ctx context.Context, txID string) (bool, error)

	// TrustLines returns the account's trust lines as of the latest
	// validated ledger, viewed from the account's perspective.
	TrustLines(ctx context.Context, account string) ([]model.TrustLineBalance, error)
}

// Provisioner creates new funded accounts (a testnet faucet, or the
// simulator's built-in funding).
type Provisioner interface {
	CreateFundedAccount(ctx context.Context, role model.Role) (model.Account, error)
}
