// Package mock provides a test double for the tts.Synthesizer interface.
//
// Set PCM to feed controlled audio; every call returns it. Set Err to inject
// a failure. Call records can be read back after the test.
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// PCM is returned from every Synthesize call. Nil returns empty audio.
	PCM []byte

	// SampleRate is reported alongside PCM. Defaults to 24000 when zero.
	SampleRate int

	// Err, if non-nil, is returned from every Synthesize and ListStyles
	// call.
	Err error

	// Styles is returned by ListStyles.
	Styles []tts.StyleInfo

	// SynthesizerName is returned by Name. Defaults to "mock".
	SynthesizerName string

	// --- Call records (read after test) ---

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns the configured PCM.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, SynthesizeCall{Ctx: ctx, Req: req})
	if s.Err != nil {
		return nil, 0, s.Err
	}
	rate := s.SampleRate
	if rate == 0 {
		rate = 24000
	}
	pcm := make([]byte, len(s.PCM))
	copy(pcm, s.PCM)
	return pcm, rate, nil
}

// ListStyles returns the configured style list.
func (s *Synthesizer) ListStyles(context.Context) ([]tts.StyleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	styles := make([]tts.StyleInfo, len(s.Styles))
	copy(styles, s.Styles)
	return styles, nil
}

// Name returns SynthesizerName, or "mock" when unset.
func (s *Synthesizer) Name() string {
	if s.SynthesizerName != "" {
		return s.SynthesizerName
	}
	return "mock"
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = nil
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
