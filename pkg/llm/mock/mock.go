// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the adapter composes and
// to feed controlled delta streams without a live backend. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Scripts: [][]llm.Chunk{{{Text: "Hello!"}, {FinishReason: "stop"}}},
//	}
//	stream, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the Request passed to StreamCompletion.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set StreamErr to inject a start failure.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Scripts holds one chunk sequence per expected StreamCompletion call.
	// Call n consumes Scripts[n]; calls past the end replay the last script.
	// This lets a single mock drive tool-call continuation turns, where the
	// adapter re-opens the stream after executing tools.
	Scripts [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and returns a channel that emits the
// next script. If StreamErr is set, it returns nil, StreamErr without
// opening a channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var script []llm.Chunk
	if len(p.Scripts) > 0 {
		idx := call
		if idx >= len(p.Scripts) {
			idx = len(p.Scripts) - 1
		}
		script = make([]llm.Chunk, len(p.Scripts[idx]))
		copy(script, p.Scripts[idx])
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(script))
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
