// Package pagination implements keyset cursors for audit queries.
//
// A cursor pins a position by (created_at, id), so a caller can put a
// query down, come back later, and resume without skipping or repeating
// entries even while new ones are appended.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var errInvalidCursor = errors.New("invalid cursor")

// Cursor is a decoded position in a result set ordered by (CreatedAt, ID)
// descending.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a position into an opaque string. The wire form is
// base64url("<unix-nanos>|<id>"); callers must not depend on that.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor. An empty string decodes to nil, meaning
// "start from the newest entry".
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, errInvalidCursor
	}
	nanosPart, id, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, errInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, errInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. When the extra row
// is present it returns a cursor keyed on the last kept item and a true
// has-more flag; otherwise the cursor is empty and the sequence is done.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
