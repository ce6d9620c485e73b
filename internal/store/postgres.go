package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/campuscoin/token-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertPhaseRun(ctx context.Context, run *model.PhaseRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO phase_runs (id, session_id, phase, status, detail, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.SessionID, run.Phase, run.Status, run.Detail,
		run.StartedAt, run.FinishedAt,
	)
	return err
}

func (s *PostgresStore) ListPhaseRuns(ctx context.Context, sessionID string) ([]model.PhaseRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, phase, status, detail, started_at, finished_at
		 FROM phase_runs WHERE session_id = $1 ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.PhaseRun
	for rows.Next() {
		var r model.PhaseRun
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Phase, &r.Status, &r.Detail,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, session_id, tx_id, tokens_moved, settlement_spent, implied_price, approximate, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		t.ID, t.SessionID, t.TxID,
		t.TokensMoved.String(), t.SettlementSpent.String(), t.ImpliedPrice.String(),
		t.Approximate, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTrades(ctx context.Context, sessionID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, tx_id,
		        tokens_moved::TEXT, settlement_spent::TEXT, implied_price::TEXT,
		        approximate, created_at
		 FROM trades WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var movedS, spentS, priceS string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TxID,
			&movedS, &spentS, &priceS,
			&t.Approximate, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.TokensMoved, _ = decimal.NewFromString(movedS)
		t.SettlementSpent, _ = decimal.NewFromString(spentS)
		t.ImpliedPrice, _ = decimal.NewFromString(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
