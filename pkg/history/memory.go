package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process [Store] suitable for single-node deployments
// and tests. Entries expire after ContextTimeout and are pruned lazily on
// read. Safe for concurrent use.
type MemoryStore struct {
	contextTimeout time.Duration

	mu       sync.Mutex
	contexts map[string][]Record

	// now is swappable in tests.
	now func() time.Time
}

// MemoryOption configures a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithContextTimeout overrides the record expiry window. Zero or negative
// disables expiry.
func WithContextTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.contextTimeout = d }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store with the default
// context timeout.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		contextTimeout: DefaultContextTimeout,
		contexts:       make(map[string][]Record),
		now:            time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetHistories implements [Store].
func (s *MemoryStore) GetHistories(_ context.Context, contextID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.contexts[contextID]
	if s.contextTimeout > 0 {
		cutoff := s.now().Add(-s.contextTimeout)
		i := 0
		for i < len(recs) && recs[i].CreatedAt.Before(cutoff) {
			i++
		}
		recs = recs[i:]
		s.contexts[contextID] = recs
	}

	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}

	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// AddHistories implements [Store]. Records with a zero CreatedAt are
// stamped with the current time.
func (s *MemoryStore) AddHistories(_ context.Context, contextID string, records []Record, _ string) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for _, r := range records {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		s.contexts[contextID] = append(s.contexts[contextID], r)
	}
	return nil
}

// DeleteContext removes all records for contextID.
func (s *MemoryStore) DeleteContext(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, contextID)
}

// Compile-time assertion that MemoryStore satisfies Store.
var _ Store = (*MemoryStore)(nil)
