package alert

import (
	"context"
	"sync"

	"github.com/MeakTsui/future-monitor/internal/model"
)

// StateStore persists per-(symbol, reason) alert state for the durable
// cooldown tier. Implementations backed by a relational store live outside
// this module; MemoryStateStore covers single-process deployments and tests.
type StateStore interface {
	// GetAlertState returns the recorded state and whether one exists.
	GetAlertState(ctx context.Context, symbol, reason string) (model.AlertState, bool, error)

	// SetAlertState records the state for a (symbol, reason) pair.
	SetAlertState(ctx context.Context, symbol, reason string, state model.AlertState) error
}

// MemoryStateStore is a mutex-guarded in-process StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]model.AlertState
}

// NewMemoryStateStore creates an empty in-process state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]model.AlertState)}
}

func stateKey(symbol, reason string) string {
	return symbol + "|" + reason
}

// GetAlertState implements StateStore.
func (s *MemoryStateStore) GetAlertState(_ context.Context, symbol, reason string) (model.AlertState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[stateKey(symbol, reason)]
	return state, ok, nil
}

// SetAlertState implements StateStore.
func (s *MemoryStateStore) SetAlertState(_ context.Context, symbol, reason string, state model.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(symbol, reason)] = state
	return nil
}
