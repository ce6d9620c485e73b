// Package api provides the HTTP handlers for driving the simulation:
// session setup, trade execution, supply expansion, and dividend runs.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/matching"
	"github.com/campuscoin/token-engine/internal/metrics"
	"github.com/campuscoin/token-engine/internal/model"
	"github.com/campuscoin/token-engine/internal/reconcile"
	"github.com/campuscoin/token-engine/internal/store"
	"github.com/campuscoin/token-engine/internal/workflow"
)

// Service handles session operations. Uses a mutex to serialize phase
// execution (single-instance): phases mutate shared session state and
// must never interleave.
type Service struct {
	eng     *workflow.Engine
	store   store.Store
	session *model.SessionState
	mu      sync.Mutex
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new session service around a single session.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *workflow.Engine, st store.Store, session *model.SessionState, hub *WSHub) *Service {
	return &Service{
		eng:     eng,
		store:   st,
		session: session,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// SetupRequest is the JSON body for POST /session/setup.
type SetupRequest struct {
	FundingFiat decimal.Decimal `json:"funding_fiat"`
}

// TradeRequest is the JSON body for POST /session/trade.
type TradeRequest struct {
	Mode      string          `json:"mode"` // "buyer_initiates" or "seller_initiates"
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ExpandRequest is the JSON body for POST /session/expand.
type ExpandRequest struct {
	FundingFiat decimal.Decimal `json:"funding_fiat"`
}

// DividendsRequest is the JSON body for POST /session/dividends.
type DividendsRequest struct {
	IncomeFiat decimal.Decimal `json:"income_fiat"`
}

// PhaseResponse is the JSON body returned from the non-streaming phase
// endpoints.
type PhaseResponse struct {
	Phase string                 `json:"phase"`
	Log   []string               `json:"log"`
	Trade *model.ReconciledTrade `json:"trade,omitempty"`
}

// RunsResponse is the JSON body returned from GET /session/runs.
type RunsResponse struct {
	Runs   []model.PhaseRun    `json:"runs"`
	Trades []model.TradeRecord `json:"trades"`
}

// --- HTTP Handlers ---

// Setup handles POST /api/v1/session/setup. Progress is streamed to the
// client as chunked plain-text lines while the phase runs, and to any
// connected WebSocket clients.
func (s *Service) Setup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FundingFiat.LessThanOrEqual(decimal.Zero) {
		writeError(w, "funding_fiat must be positive", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)

	started := time.Now().UTC()
	var lines []string
	var phaseErr error

	for p := range s.eng.Setup(r.Context(), s.session, req.FundingFiat) {
		if p.Err != nil {
			phaseErr = p.Err
			break
		}
		lines = append(lines, p.Line)
		fmt.Fprintln(w, p.Line)
		if flusher != nil {
			flusher.Flush()
		}
		s.broadcast(WSMessage{Type: "progress", Phase: workflow.PhaseSetup, Line: p.Line})
	}

	if phaseErr != nil {
		fmt.Fprintf(w, "ERROR: %v\n", phaseErr)
		if flusher != nil {
			flusher.Flush()
		}
		s.broadcast(WSMessage{Type: "phase_complete", Phase: workflow.PhaseSetup, Error: phaseErr.Error()})
		s.recordRun(r, workflow.PhaseSetup, started, lines, phaseErr)
		return
	}

	s.broadcast(WSMessage{Type: "phase_complete", Phase: workflow.PhaseSetup})
	s.recordRun(r, workflow.PhaseSetup, started, lines, nil)
}

// Trade handles POST /api/v1/session/trade.
func (s *Service) Trade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mode := matching.Mode(req.Mode)
	if mode == "" {
		mode = matching.BuyerInitiates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now().UTC()
	log, err := s.eng.ExecuteTrade(r.Context(), s.session, mode, req.Quantity, req.UnitPrice)
	s.recordRun(r, workflow.PhaseTrade, started, log, err)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	trade := s.session.LastTrade
	rec := &model.TradeRecord{
		ID:              uuid.New().String(),
		SessionID:       s.session.ID,
		TxID:            s.session.LastSettlement.TxID,
		TokensMoved:     trade.TokensMoved,
		SettlementSpent: trade.SettlementSpent,
		ImpliedPrice:    trade.ImpliedPrice,
		Approximate:     trade.Approximate,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.InsertTrade(r.Context(), rec); err != nil {
		slog.Error("failed to record trade", "err", err)
	}

	s.broadcast(WSMessage{Type: "phase_complete", Phase: workflow.PhaseTrade,
		Line: fmt.Sprintf("implied price %s", trade.ImpliedPrice.Round(6))})

	writeJSON(w, PhaseResponse{Phase: string(s.session.Phase), Log: log, Trade: trade})
}

// Expand handles POST /api/v1/session/expand.
func (s *Service) Expand(w http.ResponseWriter, r *http.Request) {
	var req ExpandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FundingFiat.IsNegative() {
		writeError(w, "funding_fiat must not be negative", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now().UTC()
	log, err := s.eng.AnalyzeAndMint(r.Context(), s.session, req.FundingFiat)
	s.recordRun(r, workflow.PhaseExpand, started, log, err)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.broadcast(WSMessage{Type: "phase_complete", Phase: workflow.PhaseExpand,
		Line: fmt.Sprintf("supply %s", s.session.Token.IssuedSupply)})

	writeJSON(w, PhaseResponse{Phase: string(s.session.Phase), Log: log})
}

// Dividends handles POST /api/v1/session/dividends.
func (s *Service) Dividends(w http.ResponseWriter, r *http.Request) {
	var req DividendsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IncomeFiat.LessThanOrEqual(decimal.Zero) {
		writeError(w, "income_fiat must be positive", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now().UTC()
	log, err := s.eng.PayDividends(r.Context(), s.session, req.IncomeFiat)
	s.recordRun(r, workflow.PhaseDividends, started, log, err)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.broadcast(WSMessage{Type: "phase_complete", Phase: workflow.PhaseDividends})

	writeJSON(w, PhaseResponse{Phase: string(s.session.Phase), Log: log})
}

// GetSession handles GET /api/v1/session. Credentials never appear in
// the snapshot; model.Account excludes them from serialization.
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	writeJSON(w, s.session)
}

// ListRuns handles GET /api/v1/session/runs.
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runs, err := s.store.ListPhaseRuns(ctx, s.session.ID)
	if err != nil {
		writeError(w, "failed to list phase runs", http.StatusInternalServerError)
		return
	}
	trades, err := s.store.ListTrades(ctx, s.session.ID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}

	if runs == nil {
		runs = []model.PhaseRun{}
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, RunsResponse{Runs: runs, Trades: trades})
}

// --- Helpers ---

// recordRun persists a phase-run audit record and updates phase metrics.
func (s *Service) recordRun(r *http.Request, phase string, started time.Time, lines []string, phaseErr error) {
	status := "ok"
	detail := strings.Join(lines, "\n")
	if phaseErr != nil {
		status = "error"
		detail = detail + "\nERROR: " + phaseErr.Error()
	}

	finished := time.Now().UTC()
	metrics.PhaseRuns.WithLabelValues(phase, status).Inc()
	metrics.PhaseDuration.WithLabelValues(phase).Observe(finished.Sub(started).Seconds())

	run := &model.PhaseRun{
		ID:         uuid.New().String(),
		SessionID:  s.session.ID,
		Phase:      phase,
		Status:     status,
		Detail:     strings.TrimSpace(detail),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err := s.store.InsertPhaseRun(r.Context(), run); err != nil {
		slog.Error("failed to record phase run", "phase", phase, "err", err)
	}
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

// statusFor maps workflow errors to HTTP status codes: bad input is the
// client's fault, unmet preconditions and failed reconciliations are
// conflicts with session state, everything else is a server-side failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrInvalidQuantity),
		errors.Is(err, matching.ErrInvalidPrice),
		errors.Is(err, matching.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrPreconditionNotMet):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrAmbiguous),
		errors.Is(err, reconcile.ErrNoSpendSignal),
		errors.Is(err, reconcile.ErrNoTokenMovement):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
