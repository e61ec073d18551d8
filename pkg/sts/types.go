// Package sts defines the data model shared by all VoxPipe subsystems: the
// request/response envelopes that travel through a speech-to-speech turn, the
// tool-call representation, and the per-turn performance record.
//
// The types here are deliberately provider-agnostic. Provider packages
// (pkg/llm, pkg/stt, pkg/tts) translate between these shapes and their wire
// formats; transport adapters serialize them onto their framing.
package sts

import "encoding/json"

// ResponseType tags the variants of [Response].
type ResponseType string

const (
	// ResponseStart announces that a turn has begun.
	ResponseStart ResponseType = "start"

	// ResponseChunk carries one segment of display text, its spoken subset,
	// and the synthesized audio for that subset (possibly empty).
	ResponseChunk ResponseType = "chunk"

	// ResponseToolCall surfaces a tool invocation requested by the model.
	// It carries no text and no audio.
	ResponseToolCall ResponseType = "tool_call"

	// ResponseFinal is the terminal marker of a turn, carrying the
	// concatenated text and voice text.
	ResponseFinal ResponseType = "final"

	// ResponseStop signals externally requested cancellation of an
	// in-flight turn.
	ResponseStop ResponseType = "stop"
)

// File is an opaque attachment on a request (e.g. an image URL). The core
// forwards files to the LLM provider; it never interprets them.
type File struct {
	// Kind describes the attachment (currently only "image_url" is
	// understood by the OpenAI provider).
	Kind string `json:"kind"`

	// URL locates the attachment content.
	URL string `json:"url"`
}

// Request is one inbound conversational turn. Exactly one of Text or
// AudioData should be set; when both are absent and Files is present the
// recognized text is the empty string (files-only turn).
type Request struct {
	// ContextID identifies the logical session (also called session_id).
	ContextID string

	// UserID optionally identifies the end user for metrics attribution.
	UserID string

	// Text, when set, is used verbatim and the STT stage is skipped.
	Text string

	// AudioData is raw 16-bit little-endian PCM to transcribe.
	AudioData []byte

	// AudioDuration is the utterance length in seconds as measured by the
	// VAD (trailing silence trimmed).
	AudioDuration float64

	// Files are opaque attachments forwarded to the LLM.
	Files []File
}

// ToolCall is a structured request from the model to execute a named
// function. Arguments is accumulated as a raw JSON string during streaming
// and parsed once at invocation time.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParseArguments unmarshals the accumulated argument string into v.
func (tc ToolCall) ParseArguments(v any) error {
	return json.Unmarshal([]byte(tc.Arguments), v)
}

// LLMResponse is one record of the adapter's output stream: a sentence-level
// segment of model output, or a transparent tool-call marker.
type LLMResponse struct {
	// ContextID identifies the session the response belongs to.
	ContextID string

	// Text is the raw segment as emitted by the model, suitable for display.
	Text string

	// VoiceText is the speech-intended subset of Text after tag filtering
	// and control-tag stripping. Empty when the segment carries nothing to
	// speak.
	VoiceText string

	// ToolCall, when non-nil, marks this record as a tool-call marker.
	// Text and VoiceText are empty in that case.
	ToolCall *ToolCall
}

// Response is one event of a turn's ordered output stream. For a single
// turn consumers observe: start, zero or more chunk/tool_call events, then
// exactly one final. A stop event may be injected by the transport adapter
// when a turn is preempted.
type Response struct {
	Type      ResponseType
	ContextID string

	// Text and VoiceText carry per-segment content on chunk events and the
	// whole-turn concatenation on the final event.
	Text      string
	VoiceText string

	// AudioData is synthesized PCM for this chunk's VoiceText. Empty when
	// the chunk carried no spoken text or synthesis failed.
	AudioData []byte

	// ToolCall is set only on tool_call events.
	ToolCall *ToolCall
}

// PerformanceRecord is the per-turn latency breakdown persisted by the
// metrics sink. All *Time fields are seconds elapsed since turn start.
type PerformanceRecord struct {
	TransactionID string
	ContextID     string
	UserID        string

	// VoiceLength is the input utterance duration in seconds.
	VoiceLength float64

	STTTime                float64
	StopResponseTime       float64
	LLMFirstChunkTime      float64
	LLMFirstVoiceChunkTime float64
	LLMTime                float64
	TTSFirstChunkTime      float64
	TTSTime                float64
	TotalTime              float64

	STTName string
	LLMName string
	TTSName string

	RequestText       string
	ResponseText      string
	ResponseVoiceText string
	RequestFiles      string
}
