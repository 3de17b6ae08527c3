package account

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	metrics  map[string]*ActionMetrics
	order    []string // creation order for stable listing
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		metrics:  make(map[string]*ActionMetrics),
	}
}

func (m *MemoryStore) Create(ctx context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyAccount(acc)
	m.accounts[acc.ID] = cp
	m.order = append(m.order, acc.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

func (m *MemoryStore) Update(ctx context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acc.ID]; !ok {
		return ErrAccountNotFound
	}
	m.accounts[acc.ID] = copyAccount(acc)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, id := range m.order {
		result = append(result, copyAccount(m.accounts[id]))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, id := range m.order {
		acc := m.accounts[id]
		if acc.State != state {
			continue
		}
		result = append(result, copyAccount(acc))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) GetMetrics(ctx context.Context, accountID string) (*ActionMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	am, ok := m.metrics[accountID]
	if !ok {
		if _, exists := m.accounts[accountID]; exists {
			// Account without saved metrics reads as zeroed metrics.
			return NewMetrics(accountID), nil
		}
		return nil, ErrMetricsNotFound
	}
	return copyMetrics(am), nil
}

func (m *MemoryStore) SaveMetrics(ctx context.Context, am *ActionMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics[am.AccountID] = copyMetrics(am)
	return nil
}

// copyAccount returns a deep copy so callers never share map references
// with the stored value.
func copyAccount(acc *Account) *Account {
	cp := *acc
	if acc.Metadata != nil {
		cp.Metadata = make(map[string]string, len(acc.Metadata))
		for k, v := range acc.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func copyMetrics(am *ActionMetrics) *ActionMetrics {
	cp := *am
	cp.Performed = make(map[ActionType]int64, len(am.Performed))
	for k, v := range am.Performed {
		cp.Performed[k] = v
	}
	cp.Today = make(map[ActionType]int64, len(am.Today))
	for k, v := range am.Today {
		cp.Today[k] = v
	}
	if am.EngagementByKind != nil {
		cp.EngagementByKind = make(map[string]int64, len(am.EngagementByKind))
		for k, v := range am.EngagementByKind {
			cp.EngagementByKind[k] = v
		}
	}
	return &cp
}
