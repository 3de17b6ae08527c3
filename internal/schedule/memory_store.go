package schedule

import (
	"context"
	"sync"

	"github.com/mbd888/cadence/internal/account"
)

// MemoryStore is an in-memory pacing store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[pairKey]*State
}

type pairKey struct {
	accountID string
	action    account.ActionType
}

// NewMemoryStore creates an empty in-memory pacing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[pairKey]*State)}
}

// Get returns the pacing state for a pair, or a fresh zero-valued state.
func (s *MemoryStore) Get(_ context.Context, accountID string, action account.ActionType) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.pairs[pairKey{accountID, action}]
	if !ok {
		return &State{AccountID: accountID, ActionType: action}, nil
	}
	return copyState(st), nil
}

// Save upserts the pacing state.
func (s *MemoryStore) Save(_ context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pairKey{st.AccountID, st.ActionType}] = copyState(st)
	return nil
}

func copyState(st *State) *State {
	cp := *st
	cp.RecentGaps = append([]float64(nil), st.RecentGaps...)
	return &cp
}
