package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/api"
	"github.com/campuscoin/token-engine/internal/ledger"
	"github.com/campuscoin/token-engine/internal/model"
	"github.com/campuscoin/token-engine/internal/oracle"
	"github.com/campuscoin/token-engine/internal/store"
	"github.com/campuscoin/token-engine/internal/workflow"
)

// newTestEnv creates a Service over the in-memory ledger and store with
// a chi router matching the production routes.
func newTestEnv(t *testing.T) (*model.SessionState, *store.MemoryStore, chi.Router) {
	t.Helper()

	mem := ledger.NewMemory()
	eng := workflow.NewEngine(mem, mem, oracle.NewFixed(decimal.RequireFromString("0.50")),
		workflow.WithPollTiming(time.Millisecond, 10*time.Millisecond, time.Second))
	ms := store.NewMemoryStore()
	session := model.NewSessionState("test-session", "CPT", decimal.NewFromInt(125))
	svc := api.NewService(eng, ms, session, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/session/setup", svc.Setup)
	r.Post("/api/v1/session/trade", svc.Trade)
	r.Post("/api/v1/session/expand", svc.Expand)
	r.Post("/api/v1/session/dividends", svc.Dividends)
	r.Get("/api/v1/session", svc.GetSession)
	r.Get("/api/v1/session/runs", svc.ListRuns)

	return session, ms, r
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func mustSetup(t *testing.T, router chi.Router) {
	t.Helper()
	w := doPost(t, router, "/api/v1/session/setup", api.SetupRequest{
		FundingFiat: decimal.RequireFromString("2780"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("setup: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "ERROR:") {
		t.Fatalf("setup stream reported an error: %s", w.Body.String())
	}
}

func TestSetupStreamsProgress(t *testing.T) {
	session, ms, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/session/setup", api.SetupRequest{
		FundingFiat: decimal.RequireFromString("2780"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}

	body := w.Body.String()
	for _, want := range []string{"Initializing", "5560 XRP", "Issued 125 CPT"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if session.Phase != model.PhaseIssued {
		t.Errorf("Phase = %q, want %q", session.Phase, model.PhaseIssued)
	}

	runs, err := ms.ListPhaseRuns(context.Background(), "test-session")
	if err != nil {
		t.Fatalf("ListPhaseRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Phase != "setup" || runs[0].Status != "ok" {
		t.Fatalf("runs = %+v, want one ok setup run", runs)
	}
}

func TestSetupRejectsNonPositiveFunding(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/session/setup", api.SetupRequest{
		FundingFiat: decimal.Zero,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSecondSetupRecordedAsError(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mustSetup(t, router)

	w := doPost(t, router, "/api/v1/session/setup", api.SetupRequest{
		FundingFiat: decimal.RequireFromString("1000"),
	})
	if !strings.Contains(w.Body.String(), "ERROR:") {
		t.Fatalf("expected streamed error, got: %s", w.Body.String())
	}

	runs, _ := ms.ListPhaseRuns(context.Background(), "test-session")
	if len(runs) != 2 || runs[1].Status != "error" {
		t.Fatalf("runs = %+v, want second run marked error", runs)
	}
}

func TestTradeReturnsReconciledTrade(t *testing.T) {
	session, ms, router := newTestEnv(t)
	mustSetup(t, router)

	w := doPost(t, router, "/api/v1/session/trade", api.TradeRequest{
		Mode:      "buyer_initiates",
		Quantity:  decimal.RequireFromString("5"),
		UnitPrice: decimal.RequireFromString("12"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.PhaseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Phase != string(model.PhaseTraded) {
		t.Errorf("Phase = %q, want %q", resp.Phase, model.PhaseTraded)
	}
	if resp.Trade == nil {
		t.Fatal("expected trade in response")
	}
	if !resp.Trade.ImpliedPrice.Equal(decimal.RequireFromString("11.88")) {
		t.Errorf("ImpliedPrice = %s, want 11.88", resp.Trade.ImpliedPrice)
	}

	trades, _ := ms.ListTrades(context.Background(), "test-session")
	if len(trades) != 1 {
		t.Fatalf("trades = %+v, want one persisted trade", trades)
	}
	if trades[0].TxID != session.LastSettlement.TxID {
		t.Errorf("persisted TxID = %q, want %q", trades[0].TxID, session.LastSettlement.TxID)
	}
}

func TestTradeBeforeSetupConflicts(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/session/trade", api.TradeRequest{
		Quantity:  decimal.RequireFromString("5"),
		UnitPrice: decimal.RequireFromString("12"),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTradeInvalidQuantityBadRequest(t *testing.T) {
	_, _, router := newTestEnv(t)
	mustSetup(t, router)

	w := doPost(t, router, "/api/v1/session/trade", api.TradeRequest{
		Quantity:  decimal.Zero,
		UnitPrice: decimal.RequireFromString("12"),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExpandAfterTrade(t *testing.T) {
	session, _, router := newTestEnv(t)
	mustSetup(t, router)

	w := doPost(t, router, "/api/v1/session/trade", api.TradeRequest{
		Mode:      "seller_initiates",
		Quantity:  decimal.RequireFromString("2"),
		UnitPrice: decimal.RequireFromString("12.50"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d: %s", w.Code, w.Body.String())
	}

	w = doPost(t, router, "/api/v1/session/expand", api.ExpandRequest{
		FundingFiat: decimal.RequireFromString("3000"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expand: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.PhaseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Phase != string(model.PhaseExpanded) {
		t.Errorf("Phase = %q, want %q", resp.Phase, model.PhaseExpanded)
	}
	// ceil($3000 / $0.50 / 12.50) = 480 minted on top of 125.
	if !session.Token.IssuedSupply.Equal(decimal.RequireFromString("605")) {
		t.Errorf("IssuedSupply = %s, want 605", session.Token.IssuedSupply)
	}
}

func TestExpandBeforeTradeConflicts(t *testing.T) {
	_, _, router := newTestEnv(t)
	mustSetup(t, router)

	w := doPost(t, router, "/api/v1/session/expand", api.ExpandRequest{
		FundingFiat: decimal.RequireFromString("3000"),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDividendsAfterTrade(t *testing.T) {
	_, _, router := newTestEnv(t)
	mustSetup(t, router)

	w := doPost(t, router, "/api/v1/session/trade", api.TradeRequest{
		Mode:      "buyer_initiates",
		Quantity:  decimal.RequireFromString("5"),
		UnitPrice: decimal.RequireFromString("12"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d: %s", w.Code, w.Body.String())
	}

	w = doPost(t, router, "/api/v1/session/dividends", api.DividendsRequest{
		IncomeFiat: decimal.RequireFromString("500"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.PhaseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	joined := strings.Join(resp.Log, "\n")
	if !strings.Contains(joined, "paid 2 holder(s), 0 failure(s)") {
		t.Errorf("log = %q, want both holders paid", joined)
	}
}

func TestSessionSnapshotOmitsCredentials(t *testing.T) {
	session, _, router := newTestEnv(t)
	mustSetup(t, router)

	w := doGet(t, router, "/api/v1/session")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, session.Issuer.Address) {
		t.Error("snapshot should include account addresses")
	}
	if strings.Contains(body, session.Issuer.Credential) {
		t.Error("snapshot must never include credentials")
	}
}

func TestListRuns(t *testing.T) {
	_, _, router := newTestEnv(t)
	mustSetup(t, router)
	doPost(t, router, "/api/v1/session/trade", api.TradeRequest{
		Mode:      "buyer_initiates",
		Quantity:  decimal.RequireFromString("5"),
		UnitPrice: decimal.RequireFromString("12"),
	})

	w := doGet(t, router, "/api/v1/session/runs")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp api.RunsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 2 {
		t.Errorf("runs = %d, want 2 (setup + trade)", len(resp.Runs))
	}
	if len(resp.Trades) != 1 {
		t.Errorf("trades = %d, want 1", len(resp.Trades))
	}
}
