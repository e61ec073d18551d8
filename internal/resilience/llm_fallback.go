package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/llm"
)

// LLMFallback wraps a [FallbackGroup] of [llm.Provider] instances as a
// provider itself, so the adapter can consume it unchanged.
//
// Failover covers stream setup only: once StreamCompletion returns a channel
// the turn is committed to that backend, and a mid-stream error surfaces to
// the caller as usual. Retrying half-delivered completions against a second
// backend would replay text the user already heard.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback builds an [LLMFallback] over primary and fallbacks, tried
// in that order.
func NewLLMFallback(primary llm.Provider, fallbacks []llm.Provider, cfg FallbackConfig) *LLMFallback {
	group := NewFallbackGroup(primary, primary.Name(), cfg)
	for _, f := range fallbacks {
		group.AddFallback(f.Name(), f)
	}
	return &LLMFallback{group: group}
}

// StreamCompletion opens a completion stream on the first healthy backend.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Name returns the entry names in try order.
func (f *LLMFallback) Name() string {
	return f.group.Names()
}
