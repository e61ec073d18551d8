package metrics

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/voxpipe/voxpipe/pkg/sts"
)

func TestLogRecorderWritesAllTimings(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLogRecorder(slog.New(slog.NewTextHandler(&buf, nil)))

	rec.Record(sts.PerformanceRecord{
		TransactionID: "tx-1",
		ContextID:     "ctx-1",
		VoiceLength:   1.5,
		STTTime:       0.2,
		LLMTime:       0.8,
		TTSTime:       1.1,
		TotalTime:     1.3,
		STTName:       "whisper",
		LLMName:       "openai",
		TTSName:       "voicevox",
	})
	rec.Close()

	out := buf.String()
	for _, want := range []string{
		"transaction_id=tx-1",
		"context_id=ctx-1",
		"stt_time=0.2",
		"total_time=1.3",
		"tts_name=voicevox",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestNewLogRecorderNilLogger(t *testing.T) {
	rec := NewLogRecorder(nil)
	// Must not panic with the default logger.
	rec.Record(sts.PerformanceRecord{TransactionID: "tx-2"})
	rec.Close()
}
