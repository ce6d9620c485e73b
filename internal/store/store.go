// Package store defines the audit-trail persistence interface.
// Implementations include PostgreSQL (source of truth) and in-memory
// (for testing and single-process runs). The store records what the
// workflow did; session state itself lives in memory and is never
// reloaded from here.
package store

import (
	"context"

	"github.com/campuscoin/token-engine/internal/model"
)

// Store is the audit-trail persistence interface.
type Store interface {
	// InsertPhaseRun appends an immutable record of one phase execution.
	InsertPhaseRun(ctx context.Context, run *model.PhaseRun) error

	// ListPhaseRuns returns all phase runs for a session, oldest first.
	ListPhaseRuns(ctx context.Context, sessionID string) ([]model.PhaseRun, error)

	// InsertTrade appends an immutable record of one reconciled trade.
	InsertTrade(ctx context.Context, trade *model.TradeRecord) error

	// ListTrades returns all reconciled trades for a session, oldest first.
	ListTrades(ctx context.Context, sessionID string) ([]model.TradeRecord, error)
}
