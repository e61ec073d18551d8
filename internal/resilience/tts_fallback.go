package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/tts"
)

// TTSFallback wraps a [FallbackGroup] of [tts.Synthesizer] instances as a
// synthesizer itself. Synthesis is per segment, so a failed segment can be
// retried on a fallback backend; the voice may change mid-reply, which is
// preferable to silently dropping the segment.
//
// Style IDs are backend-specific, so requests carry the caller's style ID
// only to the primary; fallbacks receive style 0 (backend default).
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback builds a [TTSFallback] over primary and fallbacks, tried in
// that order.
func NewTTSFallback(primary tts.Synthesizer, fallbacks []tts.Synthesizer, cfg FallbackConfig) *TTSFallback {
	group := NewFallbackGroup(primary, primary.Name(), cfg)
	for _, f := range fallbacks {
		group.AddFallback(f.Name(), f)
	}
	return &TTSFallback{group: group}
}

type ttsResult struct {
	pcm        []byte
	sampleRate int
}

// Synthesize renders the segment on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) ([]byte, int, error) {
	primary := f.group.Primary()
	res, err := ExecuteWithResult(f.group, func(s tts.Synthesizer) (ttsResult, error) {
		r := req
		if s != primary {
			r.StyleID = 0
		}
		pcm, rate, err := s.Synthesize(ctx, r)
		return ttsResult{pcm: pcm, sampleRate: rate}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return res.pcm, res.sampleRate, nil
}

// ListStyles reports the primary backend's styles; fallback styles are not
// addressable by callers anyway.
func (f *TTSFallback) ListStyles(ctx context.Context) ([]tts.StyleInfo, error) {
	return f.group.Primary().ListStyles(ctx)
}

// Name returns the entry names in try order.
func (f *TTSFallback) Name() string {
	return f.group.Names()
}
