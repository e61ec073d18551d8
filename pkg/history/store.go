// Package history defines the conversation-history store consumed by the
// LLM adapter. Records are provider-shaped and opaque to the store; the only
// field the core ever inspects is Role, so that leading non-user records can
// be dropped when a context is rehydrated.
package history

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultContextTimeout is how long records stay eligible for rehydration.
const DefaultContextTimeout = 3600 * time.Second

// DefaultLimit is the default maximum number of records returned by
// GetHistories.
const DefaultLimit = 100

// Record is one stored history entry.
type Record struct {
	// CreatedAt is the UTC insertion time, used for timeout exclusion.
	CreatedAt time.Time

	// Role mirrors the "role" field of the serialized message so callers
	// can distinguish user records without deserializing Data.
	Role string

	// Data is the provider-shaped message, serialized as JSON.
	Data json.RawMessage
}

// Store is an append-only, per-context ordered history.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// GetHistories returns up to limit records for contextID, oldest
	// first, excluding entries older than the store's context timeout.
	// limit <= 0 means [DefaultLimit].
	GetHistories(ctx context.Context, contextID string, limit int) ([]Record, error)

	// AddHistories appends records under contextID. schema tags the
	// message shape (e.g. "openai-chat") for forward compatibility.
	AddHistories(ctx context.Context, contextID string, records []Record, schema string) error
}
