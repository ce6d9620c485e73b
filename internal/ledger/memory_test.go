package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/ledger"
	"github.com/campuscoin/token-engine/internal/model"
)

const tokenCode = "CPT"

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newLedgerWithAccounts(t *testing.T) (*ledger.Memory, model.Account, model.Account, model.Account) {
	t.Helper()
	m := ledger.NewMemory()
	ctx := context.Background()

	issuer, err := m.CreateFundedAccount(ctx, model.RoleIssuer)
	if err != nil {
		t.Fatalf("create issuer: %v", err)
	}
	seller, err := m.CreateFundedAccount(ctx, model.RoleSeller)
	if err != nil {
		t.Fatalf("create seller: %v", err)
	}
	buyer, err := m.CreateFundedAccount(ctx, model.RoleBuyer)
	if err != nil {
		t.Fatalf("create buyer: %v", err)
	}
	return m, issuer, seller, buyer
}

func mustSubmit(t *testing.T, m *ledger.Memory, tx model.Transaction, signer model.Account) model.SettlementRecord {
	t.Helper()
	rec, err := m.SubmitAndWait(context.Background(), tx, signer)
	if err != nil {
		t.Fatalf("submit %s: %v", tx.TxType(), err)
	}
	if !rec.Succeeded() {
		t.Fatalf("submit %s: result %s", tx.TxType(), rec.Result)
	}
	return rec
}

func trust(t *testing.T, m *ledger.Memory, holder, issuer model.Account) model.SettlementRecord {
	t.Helper()
	return mustSubmit(t, m, model.TrustSet{
		Account: holder.Address,
		Limit:   model.IssuedAmount(tokenCode, issuer.Address, d("1000000000")),
	}, holder)
}

func issue(t *testing.T, m *ledger.Memory, issuer, to model.Account, qty string) model.SettlementRecord {
	t.Helper()
	return mustSubmit(t, m, model.Payment{
		Account:     issuer.Address,
		Destination: to.Address,
		Amount:      model.IssuedAmount(tokenCode, issuer.Address, d(qty)),
	}, issuer)
}

func TestCreateFundedAccount(t *testing.T) {
	m := ledger.NewMemory()
	acct, err := m.CreateFundedAccount(context.Background(), model.RoleIssuer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if acct.Address == "" || acct.Address[0] != 'r' {
		t.Errorf("unexpected address %q", acct.Address)
	}
	if acct.Credential == "" {
		t.Error("expected opaque credential handle")
	}
	if !m.Balance(acct.Address).Equal(d("10000")) {
		t.Errorf("starting balance = %s, want 10000", m.Balance(acct.Address))
	}
}

func TestTrustSet_Idempotent(t *testing.T) {
	m, issuer, seller, _ := newLedgerWithAccounts(t)

	rec1 := trust(t, m, seller, issuer)
	rec2 := trust(t, m, seller, issuer)

	if !rec1.Succeeded() || !rec2.Succeeded() {
		t.Fatal("both trust sets should succeed")
	}

	// Re-establishing the same line produces no duplicate.
	lines, err := m.TrustLines(context.Background(), seller.Address)
	if err != nil {
		t.Fatalf("trust lines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 trust line, got %d", len(lines))
	}
	if lines[0].Currency != tokenCode || lines[0].Counterparty != issuer.Address {
		t.Errorf("unexpected line %+v", lines[0])
	}
}

func TestIssuePayment_RequiresTrustLine(t *testing.T) {
	m, issuer, seller, _ := newLedgerWithAccounts(t)

	rec, err := m.SubmitAndWait(context.Background(), model.Payment{
		Account:     issuer.Address,
		Destination: seller.Address,
		Amount:      model.IssuedAmount(tokenCode, issuer.Address, d("125")),
	}, issuer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Result != "tecNO_LINE" {
		t.Errorf("result = %s, want tecNO_LINE", rec.Result)
	}

	trust(t, m, seller, issuer)
	issue(t, m, issuer, seller, "125")

	lines, _ := m.TrustLines(context.Background(), seller.Address)
	if !lines[0].Balance.Equal(d("125")) {
		t.Errorf("seller holding = %s, want 125", lines[0].Balance)
	}
}

func TestFailedTokenPayment_LeavesHoldingsUntouched(t *testing.T) {
	m, issuer, seller, buyer := newLedgerWithAccounts(t)
	trust(t, m, seller, issuer)
	issue(t, m, issuer, seller, "10")

	// Buyer has no trust line: the payment must fail without debiting
	// the seller. A tec result charges the fee and nothing else.
	rec, err := m.SubmitAndWait(context.Background(), model.Payment{
		Account:     seller.Address,
		Destination: buyer.Address,
		Amount:      model.IssuedAmount(tokenCode, issuer.Address, d("5")),
	}, seller)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Result != "tecNO_LINE" {
		t.Fatalf("result = %s, want tecNO_LINE", rec.Result)
	}

	lines, _ := m.TrustLines(context.Background(), seller.Address)
	if !lines[0].Balance.Equal(d("10")) {
		t.Errorf("seller holding = %s, want 10 (failed payment must not debit)", lines[0].Balance)
	}
	for _, eff := range rec.Effects {
		if eff.TrustLine != nil {
			t.Errorf("failed payment emitted trust-line effect %+v", eff.TrustLine)
		}
	}
}

func TestOverLimitTokenPayment_LeavesHoldingsUntouched(t *testing.T) {
	m, issuer, seller, buyer := newLedgerWithAccounts(t)
	trust(t, m, seller, issuer)
	issue(t, m, issuer, seller, "10")

	// Buyer trusts for only 3; a 5-token payment exceeds the headroom.
	mustSubmit(t, m, model.TrustSet{
		Account: buyer.Address,
		Limit:   model.IssuedAmount(tokenCode, issuer.Address, d("3")),
	}, buyer)

	rec, err := m.SubmitAndWait(context.Background(), model.Payment{
		Account:     seller.Address,
		Destination: buyer.Address,
		Amount:      model.IssuedAmount(tokenCode, issuer.Address, d("5")),
	}, seller)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Result != "tecPATH_DRY" {
		t.Fatalf("result = %s, want tecPATH_DRY", rec.Result)
	}

	sellerLines, _ := m.TrustLines(context.Background(), seller.Address)
	if !sellerLines[0].Balance.Equal(d("10")) {
		t.Errorf("seller holding = %s, want 10", sellerLines[0].Balance)
	}
	buyerLines, _ := m.TrustLines(context.Background(), buyer.Address)
	if !buyerLines[0].Balance.IsZero() {
		t.Errorf("buyer holding = %s, want 0", buyerLines[0].Balance)
	}
}

func TestIssuerSeesHoldersAsNegative(t *testing.T) {
	m, issuer, seller, _ := newLedgerWithAccounts(t)
	trust(t, m, seller, issuer)
	issue(t, m, issuer, seller, "125")

	lines, err := m.TrustLines(context.Background(), issuer.Address)
	if err != nil {
		t.Fatalf("trust lines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !lines[0].Balance.Equal(d("-125")) {
		t.Errorf("issuer-side balance = %s, want -125", lines[0].Balance)
	}
}

func TestNativePayment_FeeChargedToSigner(t *testing.T) {
	m, _, seller, buyer := newLedgerWithAccounts(t)

	rec := mustSubmit(t, m, model.Payment{
		Account:     buyer.Address,
		Destination: seller.Address,
		Amount:      model.NativeAmount(d("100")),
	}, buyer)

	// Buyer pays 100 XRP + 12 drops; balances diff exactly.
	if !m.Balance(buyer.Address).Equal(d("9899.999988")) {
		t.Errorf("buyer balance = %s, want 9899.999988", m.Balance(buyer.Address))
	}
	if !m.Balance(seller.Address).Equal(d("10100")) {
		t.Errorf("seller balance = %s, want 10100", m.Balance(seller.Address))
	}

	// The settlement carries previous/final balance effects for both.
	var sawBuyer, sawSeller bool
	for _, eff := range rec.Effects {
		ab := eff.AccountBalance
		if ab == nil {
			continue
		}
		if ab.Address == buyer.Address {
			sawBuyer = true
			if ab.Previous == nil {
				t.Error("buyer effect missing previous balance")
			}
		}
		if ab.Address == seller.Address {
			sawSeller = true
		}
	}
	if !sawBuyer || !sawSeller {
		t.Errorf("expected balance effects for both parties, got %+v", rec.Effects)
	}
}

func TestNativePayment_Unfunded(t *testing.T) {
	m, _, seller, buyer := newLedgerWithAccounts(t)

	rec, err := m.SubmitAndWait(context.Background(), model.Payment{
		Account:     buyer.Address,
		Destination: seller.Address,
		Amount:      model.NativeAmount(d("999999")),
	}, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Result != "tecUNFUNDED_PAYMENT" {
		t.Errorf("result = %s, want tecUNFUNDED_PAYMENT", rec.Result)
	}
}

func TestSubmit_BadAuth(t *testing.T) {
	m, issuer, seller, _ := newLedgerWithAccounts(t)

	rec, err := m.SubmitAndWait(context.Background(), model.Payment{
		Account:     issuer.Address,
		Destination: seller.Address,
		Amount:      model.NativeAmount(d("1")),
	}, seller) // wrong signer
	if err != nil {
		t.Fatal(err)
	}
	if rec.Result != "tefBAD_AUTH" {
		t.Errorf("result = %s, want tefBAD_AUTH", rec.Result)
	}
}

func TestOfferCrossing_BetterPriceFill(t *testing.T) {
	m, issuer, seller, buyer := newLedgerWithAccounts(t)
	trust(t, m, seller, issuer)
	trust(t, m, buyer, issuer)
	issue(t, m, issuer, seller, "125")

	// Buyer posts the bid: 60 XRP for 5 CPT.
	mustSubmit(t, m, model.OfferCreate{
		Account:   buyer.Address,
		TakerGets: model.NativeAmount(d("60")),
		TakerPays: model.IssuedAmount(tokenCode, issuer.Address, d("5")),
	}, buyer)

	buyerBefore := m.Balance(buyer.Address)

	// Seller fills, asking only 59.4: the cross executes at 59.4.
	rec := mustSubmit(t, m, model.OfferCreate{
		Account:   seller.Address,
		TakerGets: model.IssuedAmount(tokenCode, issuer.Address, d("5")),
		TakerPays: model.NativeAmount(d("59.4")),
	}, seller)

	if !buyerBefore.Sub(m.Balance(buyer.Address)).Equal(d("59.4")) {
		t.Errorf("buyer paid %s, want 59.4", buyerBefore.Sub(m.Balance(buyer.Address)))
	}

	lines, _ := m.TrustLines(context.Background(), buyer.Address)
	if len(lines) != 1 || !lines[0].Balance.Equal(d("5")) {
		t.Errorf("buyer holding = %+v, want 5", lines)
	}

	// The seller's settlement carries the buyer's balance change and the
	// token trust-line movement — the inputs reconciliation needs.
	var sawBuyerBalance, sawBuyerLine bool
	for _, eff := range rec.Effects {
		if ab := eff.AccountBalance; ab != nil && ab.Address == buyer.Address {
			sawBuyerBalance = true
		}
		if tl := eff.TrustLine; tl != nil && tl.Currency == tokenCode &&
			(tl.LowAddress == buyer.Address || tl.HighAddress == buyer.Address) {
			sawBuyerLine = true
		}
	}
	if !sawBuyerBalance || !sawBuyerLine {
		t.Errorf("settlement missing reconciliation inputs: %+v", rec.Effects)
	}
}

func TestOfferCrossing_SellerInitiates(t *testing.T) {
	m, issuer, seller, buyer := newLedgerWithAccounts(t)
	trust(t, m, seller, issuer)
	trust(t, m, buyer, issuer)
	issue(t, m, issuer, seller, "125")

	// Seller posts the ask: 5 CPT for 60 XRP.
	mustSubmit(t, m, model.OfferCreate{
		Account:   seller.Address,
		TakerGets: model.IssuedAmount(tokenCode, issuer.Address, d("5")),
		TakerPays: model.NativeAmount(d("60")),
	}, seller)

	buyerBefore := m.Balance(buyer.Address)

	// Buyer fills, offering 60.6: the cross still executes at the
	// seller's asked 60.
	mustSubmit(t, m, model.OfferCreate{
		Account:   buyer.Address,
		TakerGets: model.NativeAmount(d("60.6")),
		TakerPays: model.IssuedAmount(tokenCode, issuer.Address, d("5")),
	}, buyer)

	if !buyerBefore.Sub(m.Balance(buyer.Address)).Equal(d("60")) {
		t.Errorf("buyer paid %s, want 60", buyerBefore.Sub(m.Balance(buyer.Address)))
	}
}

func TestOffer_RequiresBuyerTrustLine(t *testing.T) {
	m, issuer, _, buyer := newLedgerWithAccounts(t)

	rec, err := m.SubmitAndWait(context.Background(), model.OfferCreate{
		Account:   buyer.Address,
		TakerGets: model.NativeAmount(d("60")),
		TakerPays: model.IssuedAmount(tokenCode, issuer.Address, d("5")),
	}, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Result != "tecNO_LINE" {
		t.Errorf("result = %s, want tecNO_LINE", rec.Result)
	}
}

func TestOffer_NonCrossingRests(t *testing.T) {
	m, issuer, seller, buyer := newLedgerWithAccounts(t)
	trust(t, m, seller, issuer)
	trust(t, m, buyer, issuer)
	issue(t, m, issuer, seller, "125")

	// Buyer bids 50 for 5; seller asks 60 for 5 — no cross.
	mustSubmit(t, m, model.OfferCreate{
		Account:   buyer.Address,
		TakerGets: model.NativeAmount(d("50")),
		TakerPays: model.IssuedAmount(tokenCode, issuer.Address, d("5")),
	}, buyer)
	mustSubmit(t, m, model.OfferCreate{
		Account:   seller.Address,
		TakerGets: model.IssuedAmount(tokenCode, issuer.Address, d("5")),
		TakerPays: model.NativeAmount(d("60")),
	}, seller)

	lines, _ := m.TrustLines(context.Background(), buyer.Address)
	if !lines[0].Balance.IsZero() {
		t.Errorf("no tokens should have moved, buyer holds %s", lines[0].Balance)
	}
}

func TestTxSettled(t *testing.T) {
	m, issuer, seller, _ := newLedgerWithAccounts(t)
	rec := trust(t, m, seller, issuer)

	settled, err := m.TxSettled(context.Background(), rec.TxID)
	if err != nil {
		t.Fatalf("tx settled: %v", err)
	}
	if !settled {
		t.Error("known transaction should report settled")
	}

	if _, err := m.TxSettled(context.Background(), "nope"); err == nil {
		t.Error("unknown transaction should error")
	}
}
