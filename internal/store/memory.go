package store

import (
	"context"
	"sync"

	"github.com/campuscoin/token-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and for runs without a database. Not suitable for production
// (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	runs   []model.PhaseRun
	trades []model.TradeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertPhaseRun(_ context.Context, run *model.PhaseRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, *run)
	return nil
}

func (s *MemoryStore) ListPhaseRuns(_ context.Context, sessionID string) ([]model.PhaseRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PhaseRun
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, trade *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *trade)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, sessionID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.SessionID == sessionID {
			result = append(result, t)
		}
	}
	return result, nil
}
