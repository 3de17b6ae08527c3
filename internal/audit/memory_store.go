package audit

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/cadence/internal/idgen"
	"github.com/mbd888/cadence/internal/pagination"
)

// MemoryStore is an in-memory audit logger for demo/development mode.
// Entries are kept in append order per account.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates a new in-memory audit logger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("aud_")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, filter Filter) ([]*Entry, string, error) {
	cursor, err := pagination.Decode(filter.Cursor)
	if err != nil {
		return nil, "", err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first, resuming strictly after the cursor position.
	var matched []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if !matches(e, filter) {
			continue
		}
		if cursor != nil {
			if e.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		matched = append(matched, &cp)
		if len(matched) > limit {
			break
		}
	}

	page, next, _ := pagination.ComputePage(matched, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

func matches(e *Entry, f Filter) bool {
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
