package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func rec(role, text string) Record {
	data, _ := json.Marshal(map[string]string{"role": role, "content": text})
	return Record{Role: role, Data: data}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.AddHistories(ctx, "ctx1", []Record{rec("user", "hi"), rec("assistant", "hello")}, "chat-v1")
	if err != nil {
		t.Fatalf("AddHistories: %v", err)
	}

	got, err := s.GetHistories(ctx, "ctx1", 0)
	if err != nil {
		t.Fatalf("GetHistories: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", got[0].Role, got[1].Role)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped on insert")
	}

	// Contexts are isolated.
	other, _ := s.GetHistories(ctx, "ctx2", 0)
	if len(other) != 0 {
		t.Errorf("unrelated context has %d records", len(other))
	}
}

func TestMemoryStoreContextTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewMemoryStore(WithContextTimeout(time.Hour), WithClock(clock))
	ctx := context.Background()

	s.AddHistories(ctx, "ctx1", []Record{rec("user", "old")}, "chat-v1")

	now = now.Add(2 * time.Hour)
	s.AddHistories(ctx, "ctx1", []Record{rec("user", "fresh")}, "chat-v1")

	got, err := s.GetHistories(ctx, "ctx1", 0)
	if err != nil {
		t.Fatalf("GetHistories: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1 (expired pruned)", len(got))
	}
	var m map[string]string
	json.Unmarshal(got[0].Data, &m)
	if m["content"] != "fresh" {
		t.Errorf("surviving record = %q", m["content"])
	}
}

func TestMemoryStoreLimitKeepsNewest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.AddHistories(ctx, "ctx1", []Record{rec("user", string(rune('a'+i)))}, "chat-v1")
	}

	got, err := s.GetHistories(ctx, "ctx1", 2)
	if err != nil {
		t.Fatalf("GetHistories: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	var m map[string]string
	json.Unmarshal(got[1].Data, &m)
	if m["content"] != "e" {
		t.Errorf("last record = %q, want newest", m["content"])
	}
}

func TestMemoryStoreDeleteContext(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.AddHistories(ctx, "ctx1", []Record{rec("user", "hi")}, "chat-v1")
	s.DeleteContext("ctx1")

	got, _ := s.GetHistories(ctx, "ctx1", 0)
	if len(got) != 0 {
		t.Errorf("deleted context has %d records", len(got))
	}
}
