package sts

import "errors"

// Error taxonomy for the pipeline. Per-chunk failures are localized to the
// chunk that hit them; per-turn failures abort the turn without a final
// event. Wrap these with fmt.Errorf("…: %w", err) and test with errors.Is.
var (
	// ErrMalformedAudio reports PCM input whose byte length is not a whole
	// number of 16-bit samples. The offending chunk is dropped.
	ErrMalformedAudio = errors.New("sts: malformed PCM audio (odd byte length)")

	// ErrEmptyInput reports a request with no text, no audio, and no files.
	// The turn terminates silently.
	ErrEmptyInput = errors.New("sts: empty input")

	// ErrSTTUnavailable reports a transient speech-to-text failure. The
	// turn terminates silently and nothing is persisted.
	ErrSTTUnavailable = errors.New("sts: speech-to-text unavailable")

	// ErrLLMStream reports a mid-stream provider failure. The turn aborts
	// and partial history is not persisted.
	ErrLLMStream = errors.New("sts: llm stream failed")

	// ErrToolExecution reports a tool function failure. The serialized
	// error becomes the tool-result record and streaming continues.
	ErrToolExecution = errors.New("sts: tool execution failed")

	// ErrTTS reports a per-chunk synthesis failure. The chunk is emitted
	// with empty audio but intact text.
	ErrTTS = errors.New("sts: speech synthesis failed")
)
