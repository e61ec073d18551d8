// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// Transcription here is batch, per utterance: the voice activity detector
// hands over one complete utterance of PCM and the transcriber returns the
// recognized text. Implementations live in subpackages (pkg/stt/openai) and
// in pkg/stt/mock for tests.
//
// Implementations must be safe for concurrent use; the pipeline may run
// several sessions at once.
package stt

import "context"

// Request is one utterance to transcribe.
type Request struct {
	// Data is raw 16-bit little-endian PCM.
	Data []byte

	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the channel count (1 for the VAD's output).
	Channels int

	// Language is an optional BCP-47 recognition hint. Empty lets the
	// backend auto-detect.
	Language string
}

// Result is a completed transcription.
type Result struct {
	// Text is the recognized text. Empty means the backend heard nothing
	// intelligible; the pipeline terminates the turn silently in that case.
	Text string

	// Language is the detected language when the backend reports one,
	// otherwise empty.
	Language string
}

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)

	// Name identifies the backend for metrics attribution.
	Name() string
}
