// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// Synthesis is batch, per segment: the pipeline hands over one spoken-text
// segment at a time and plays the returned PCM in arrival order. Per-segment
// synthesis keeps the first audible byte close behind the first LLM sentence
// instead of waiting for the whole reply.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request is one text segment to synthesize.
type Request struct {
	// Text is the spoken text, already stripped of display-only markup.
	Text string

	// StyleID selects the backend voice/style. Zero means the backend
	// default.
	StyleID int

	// Language is an optional BCP-47 hint for multilingual backends. Empty
	// means backend default.
	Language string
}

// StyleInfo describes one voice/style offered by a backend.
type StyleInfo struct {
	ID      int
	Name    string
	Speaker string
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize converts req.Text into raw 16-bit little-endian PCM and
	// reports its sample rate. Implementations decode any container format
	// the backend produces before returning.
	Synthesize(ctx context.Context, req Request) (pcm []byte, sampleRate int, err error)

	// ListStyles returns the styles currently offered by the backend.
	ListStyles(ctx context.Context) ([]StyleInfo, error)

	// Name identifies the backend for metrics attribution.
	Name() string
}

// StyleMapper resolves an abstract style name (e.g. "neutral", "joy") to a
// backend style ID. The pipeline consults it when the model tags a segment
// with a [face:...] style directive.
type StyleMapper struct {
	styles  map[string]int
	defName string
}

// NewStyleMapper builds a mapper from style names to backend IDs. defName
// names the fallback style; it must be a key of styles when styles is
// non-empty.
func NewStyleMapper(styles map[string]int, defName string) *StyleMapper {
	return &StyleMapper{styles: styles, defName: defName}
}

// Resolve returns the style ID for name, falling back to the default style
// and finally to zero.
func (m *StyleMapper) Resolve(name string) int {
	if m == nil {
		return 0
	}
	if id, ok := m.styles[name]; ok {
		return id
	}
	if id, ok := m.styles[m.defName]; ok {
		return id
	}
	return 0
}
