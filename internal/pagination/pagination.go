// Package pagination implements the continuation tokens shared by every
// time-descending listing. Tokens are opaque to callers and bound to the
// query that produced them.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"messaging-core/internal/domain"
)

const (
	MinLimit = 1
	MaxLimit = 100

	tokenVersion = 1

	ReasonInvalidToken = "invalid_continuation_token"
)

// ClampLimit maps a requested page size into [MinLimit, MaxLimit].
// Non-positive values mean "unset" and yield MinLimit.
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Cursor is the resume position inside one partition: the sort value and
// key of the last item already returned.
type Cursor struct {
	Sort int64  `json:"s"`
	Key  string `json:"k"`
}

// Scope identifies the query shape a token is valid for.
type Scope struct {
	Kind      string `json:"kind"`
	Partition string `json:"p"`
	Since     int64  `json:"t"`
}

// Query is the backend-facing shape of one page read: items in Partition
// with sort value > Since, ordered (sort DESC, key DESC), starting strictly
// after After when it is set.
type Query struct {
	Partition string
	Since     int64
	After     *Cursor
	Limit     int
}

type token struct {
	Version int    `json:"v"`
	Scope   Scope  `json:"q"`
	Cursor  Cursor `json:"c"`
}

// Encode produces the token that resumes scope after c.
func Encode(scope Scope, c Cursor) string {
	raw, err := json.Marshal(token{Version: tokenVersion, Scope: scope, Cursor: c})
	if err != nil {
		// token only holds strings and integers
		panic(fmt.Sprintf("pagination: encode token: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a token for scope. An empty token returns a nil cursor
// (first page). Malformed tokens and tokens minted for a different scope
// fail with INVALID_ARGUMENT.
func Decode(scope Scope, raw string) (*Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, domain.NewError(domain.ErrorInvalidArgument, ReasonInvalidToken, err)
	}
	var tok token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, domain.NewError(domain.ErrorInvalidArgument, ReasonInvalidToken, err)
	}
	if tok.Version != tokenVersion {
		return nil, domain.NewError(domain.ErrorInvalidArgument, ReasonInvalidToken,
			fmt.Errorf("unsupported token version %d", tok.Version))
	}
	if tok.Scope != scope {
		return nil, domain.NewError(domain.ErrorInvalidArgument, ReasonInvalidToken,
			errors.New("token was issued for a different query"))
	}
	c := tok.Cursor
	return &c, nil
}

// Trim applies the limit+1 read convention: backends fetch one item more
// than requested, and the presence of that extra item is what tells us a
// next page exists. It returns at most limit items and the cursor of the
// last one when more remain.
func Trim[T any](items []T, limit int, cursorOf func(T) Cursor) ([]T, *Cursor) {
	if len(items) <= limit {
		return items, nil
	}
	items = items[:limit]
	next := cursorOf(items[len(items)-1])
	return items, &next
}

// After reports whether (sort, key) sorts strictly after c in
// (sort DESC, key DESC) order. A nil cursor admits everything.
func After(c *Cursor, sort int64, key string) bool {
	if c == nil {
		return true
	}
	if sort != c.Sort {
		return sort < c.Sort
	}
	return key < c.Key
}

// NextToken encodes next for scope, or returns "" on the final page.
func NextToken(scope Scope, next *Cursor) string {
	if next == nil {
		return ""
	}
	return Encode(scope, *next)
}
