// Package metrics defines the per-turn performance recorder. Every completed
// (or aborted) turn produces one sts.PerformanceRecord with the latency
// breakdown of each stage; the recorder persists it off the hot path.
package metrics

import (
	"log/slog"

	"github.com/voxpipe/voxpipe/pkg/sts"
)

// Recorder is a sink for per-turn performance records.
//
// Record must not block the caller: implementations queue internally and
// write asynchronously. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(rec sts.PerformanceRecord)

	// Close flushes queued records and releases resources.
	Close()
}

// LogRecorder writes performance records to a slog.Logger. It is the default
// sink when no database is configured.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a LogRecorder. A nil logger uses slog.Default.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// Record implements [Recorder].
func (r *LogRecorder) Record(rec sts.PerformanceRecord) {
	r.logger.Info("turn performance",
		"transaction_id", rec.TransactionID,
		"context_id", rec.ContextID,
		"voice_length", rec.VoiceLength,
		"stt_time", rec.STTTime,
		"llm_first_chunk_time", rec.LLMFirstChunkTime,
		"llm_first_voice_chunk_time", rec.LLMFirstVoiceChunkTime,
		"llm_time", rec.LLMTime,
		"tts_first_chunk_time", rec.TTSFirstChunkTime,
		"tts_time", rec.TTSTime,
		"total_time", rec.TotalTime,
		"stt_name", rec.STTName,
		"llm_name", rec.LLMName,
		"tts_name", rec.TTSName,
	)
}

// Close implements [Recorder].
func (r *LogRecorder) Close() {}

// Compile-time assertion that LogRecorder satisfies Recorder.
var _ Recorder = (*LogRecorder)(nil)
