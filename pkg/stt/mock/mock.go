// Package mock provides a test double for the stt.Transcriber interface.
//
// Set Results to feed controlled transcriptions; each call consumes the next
// entry and calls past the end replay the last one. Set Err to inject a
// failure. Call records can be read back after the test.
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe.
	Req stt.Request
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Results holds one result per expected call; calls past the end replay
	// the last entry. A nil slice returns the zero Result.
	Results []stt.Result

	// Err, if non-nil, is returned from every Transcribe call.
	Err error

	// TranscriberName is returned by Name. Defaults to "mock".
	TranscriberName string

	// --- Call records (read after test) ---

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next configured result.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call := len(t.Calls)
	t.Calls = append(t.Calls, TranscribeCall{Ctx: ctx, Req: req})

	if t.Err != nil {
		return stt.Result{}, t.Err
	}
	if len(t.Results) == 0 {
		return stt.Result{}, nil
	}
	if call >= len(t.Results) {
		call = len(t.Results) - 1
	}
	return t.Results[call], nil
}

// Name returns TranscriberName, or "mock" when unset.
func (t *Transcriber) Name() string {
	if t.TranscriberName != "" {
		return t.TranscriberName
	}
	return "mock"
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
