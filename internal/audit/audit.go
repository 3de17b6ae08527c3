// Package audit provides the append-only event trail for the engine.
//
// Every component writes here; nothing reads from it to make decisions.
// Entries are immutable: there is no update or delete path, and accounts
// move to RETIRED rather than being removed, so history is never lost.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrEntryNotFound = errors.New("audit: entry not found")

// Kind classifies audit entries.
type Kind string

const (
	KindAccountCreated     Kind = "account_created"
	KindTransition         Kind = "transition"
	KindActionConfirmed    Kind = "action_confirmed"
	KindActionFailed       Kind = "action_failed"
	KindRiskEvent          Kind = "risk_event"
	KindSecurityViolation  Kind = "security_violation"
	KindLock               Kind = "lock"
	KindReservationExpired Kind = "reservation_expired"
)

// Entry is a single immutable audit record. Ordering is only guaranteed
// within one account's entries, which is all downstream consumers need.
type Entry struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	AccountID string
	Kind      Kind
	From      time.Time
	To        time.Time
	Cursor    string // opaque pagination cursor; empty starts from the newest entry
	Limit     int
}

// Logger persists and queries audit entries. Append never fails silently:
// a storage error is returned to the caller, but callers must not let it
// block or reverse the decision being logged.
type Logger interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) (entries []*Entry, nextCursor string, err error)
}

// Payload marshals a small structured payload for an entry.
// Marshal failures are impossible for map[string]any of plain values;
// a nil result simply omits the payload.
func Payload(fields map[string]any) json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return b
}
