package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/stt"
)

// STTFallback wraps a [FallbackGroup] of [stt.Transcriber] instances as a
// transcriber itself. Transcription is a single batch call per utterance, so
// a failed primary can be retried on a fallback without any user-visible
// duplication.
type STTFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*STTFallback)(nil)

// NewSTTFallback builds an [STTFallback] over primary and fallbacks, tried
// in that order.
func NewSTTFallback(primary stt.Transcriber, fallbacks []stt.Transcriber, cfg FallbackConfig) *STTFallback {
	group := NewFallbackGroup(primary, primary.Name(), cfg)
	for _, f := range fallbacks {
		group.AddFallback(f.Name(), f)
	}
	return &STTFallback{group: group}
}

// Transcribe runs the utterance through the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(t stt.Transcriber) (stt.Result, error) {
		return t.Transcribe(ctx, req)
	})
}

// Name returns the entry names in try order.
func (f *STTFallback) Name() string {
	return f.group.Names()
}
