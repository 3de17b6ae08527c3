package admission

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/cadence/internal/account"
)

// MemoryStore is an in-memory reservation store for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	reservations map[string]*Reservation
	byAccount    map[string][]string
}

// NewMemoryStore creates an empty in-memory reservation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[string]*Reservation),
		byAccount:    make(map[string][]string),
	}
}

// Create stores a new reservation.
func (s *MemoryStore) Create(_ context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = copyReservation(r)
	s.byAccount[r.AccountID] = append(s.byAccount[r.AccountID], r.ID)
	return nil
}

// Get returns a reservation by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrNoReservation
	}
	return copyReservation(r), nil
}

// Update overwrites an existing reservation.
func (s *MemoryStore) Update(_ context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[r.ID]; !ok {
		return ErrNoReservation
	}
	s.reservations[r.ID] = copyReservation(r)
	return nil
}

// CountPending returns pending, unexpired reservations per action type.
func (s *MemoryStore) CountPending(_ context.Context, accountID string, now time.Time) (map[account.ActionType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[account.ActionType]int)
	for _, id := range s.byAccount[accountID] {
		r := s.reservations[id]
		if r.Status == StatusPending && !now.After(r.ExpiresAt) {
			out[r.ActionType]++
		}
	}
	return out, nil
}

// ListExpired returns pending reservations past their expiry.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Reservation
	for _, r := range s.reservations {
		if r.Status == StatusPending && now.After(r.ExpiresAt) {
			out = append(out, copyReservation(r))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func copyReservation(r *Reservation) *Reservation {
	cp := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
