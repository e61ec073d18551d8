// Package pipeline orchestrates one speech-to-speech turn: speech-to-text,
// LLM streaming, per-segment synthesis, and the ordered response stream the
// transports consume.
//
// A turn runs through a fixed protocol: transcribe (unless the request
// carries text), preempt the context's previous turn, announce start, relay
// segmented LLM output with synthesized audio per spoken segment, then close
// with a final event and a persisted performance record. Per-chunk synthesis
// failures degrade to text-only chunks; mid-turn LLM failures abort the turn
// without a final event.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/metrics"
	"github.com/voxpipe/voxpipe/pkg/sts"
	"github.com/voxpipe/voxpipe/pkg/stt"
	"github.com/voxpipe/voxpipe/pkg/tts"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

// LLMStreamer is the slice of the LLM adapter the pipeline depends on.
// *llm.Adapter satisfies it; tests substitute a scripted implementation.
type LLMStreamer interface {
	ChatStream(ctx context.Context, contextID, text string, files []sts.File, promptParams map[string]string) (<-chan sts.LLMResponse, error)
	Name() string
}

// Config wires the pipeline's collaborators. STT may be nil when every
// request carries text; TTS may be nil for text-only deployments.
type Config struct {
	STT stt.Transcriber
	LLM LLMStreamer
	TTS tts.Synthesizer

	// StyleMapper resolves [face:...] directives to TTS style IDs. Optional.
	StyleMapper *tts.StyleMapper

	// Recorder receives one performance record per finished turn. Defaults
	// to a slog-backed recorder.
	Recorder metrics.Recorder

	// Metrics receives per-stage latency observations. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SampleRate and Channels describe inbound utterance PCM for STT.
	// Synthesized audio is resampled to the same rate before emission.
	// Defaults: 16000 Hz mono.
	SampleRate int
	Channels   int

	Logger *slog.Logger

	// ─── turn hooks ──────────────────────────────────────────────────────

	// OnBeforeLLM runs after transcription, immediately before the LLM
	// stream opens. Default: no-op.
	OnBeforeLLM func(ctx context.Context, req *sts.Request, text string)

	// OnBeforeTTS runs once per turn, before the first synthesis call.
	// Turns that produce no spoken text never fire it. Default: no-op.
	OnBeforeTTS func(ctx context.Context, req *sts.Request)

	// OnFinish runs when a turn completes, after the final event is
	// delivered and the performance record persisted. Aborted and
	// preempted turns do not fire it. Default: no-op.
	OnFinish func(ctx context.Context, req *sts.Request, perf *sts.PerformanceRecord)

	// ProcessLLMChunk inspects each display segment and returns the
	// context's new sticky synthesis language, or "" to keep the current
	// one. Default: extract [language:xx] directives.
	ProcessLLMChunk func(resp sts.LLMResponse) string
}

// turn tracks one in-flight turn for preemption.
type turn struct {
	cancel context.CancelFunc
}

// Pipeline is the speech-to-speech orchestrator. Safe for concurrent use;
// turns for distinct contexts run independently, a new turn for the same
// context preempts the previous one.
type Pipeline struct {
	stt         stt.Transcriber
	llm         LLMStreamer
	tts         tts.Synthesizer
	styleMapper *tts.StyleMapper
	recorder    metrics.Recorder
	metrics     *observe.Metrics
	sampleRate  int
	channels    int
	logger      *slog.Logger

	onBeforeLLM  func(ctx context.Context, req *sts.Request, text string)
	onBeforeTTS  func(ctx context.Context, req *sts.Request)
	onFinish     func(ctx context.Context, req *sts.Request, perf *sts.PerformanceRecord)
	processChunk func(resp sts.LLMResponse) string

	mu           sync.Mutex
	turns        map[string]*turn
	languages    map[string]string
	stopHandlers map[string]func()
}

// New creates a Pipeline from cfg. The LLM streamer is mandatory.
func New(cfg Config) (*Pipeline, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("pipeline: LLM streamer must not be nil")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NewLogRecorder(cfg.Logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnBeforeLLM == nil {
		cfg.OnBeforeLLM = func(context.Context, *sts.Request, string) {}
	}
	if cfg.OnBeforeTTS == nil {
		cfg.OnBeforeTTS = func(context.Context, *sts.Request) {}
	}
	if cfg.OnFinish == nil {
		cfg.OnFinish = func(context.Context, *sts.Request, *sts.PerformanceRecord) {}
	}
	if cfg.ProcessLLMChunk == nil {
		cfg.ProcessLLMChunk = extractLanguageTag
	}
	return &Pipeline{
		stt:         cfg.STT,
		llm:         cfg.LLM,
		tts:         cfg.TTS,
		styleMapper: cfg.StyleMapper,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		sampleRate:  cfg.SampleRate,
		channels:    cfg.Channels,
		logger:      cfg.Logger,

		onBeforeLLM:  cfg.OnBeforeLLM,
		onBeforeTTS:  cfg.OnBeforeTTS,
		onFinish:     cfg.OnFinish,
		processChunk: cfg.ProcessLLMChunk,

		turns:        make(map[string]*turn),
		languages:    make(map[string]string),
		stopHandlers: make(map[string]func()),
	}, nil
}

// Invoke runs one turn and returns its ordered response stream. The channel
// closes when the turn completes, aborts, or is preempted by a newer turn
// for the same context.
//
// A request whose audio transcribes to nothing terminates silently: the
// channel closes with zero events and nothing is persisted.
func (p *Pipeline) Invoke(ctx context.Context, req *sts.Request) (<-chan *sts.Response, error) {
	if req == nil || req.ContextID == "" {
		return nil, fmt.Errorf("pipeline: request must carry a context ID")
	}
	if req.Text == "" && len(req.AudioData) == 0 && len(req.Files) == 0 {
		return nil, fmt.Errorf("pipeline: %w", sts.ErrEmptyInput)
	}

	out := make(chan *sts.Response, 16)
	go p.runTurn(ctx, req, out)
	return out, nil
}

// runTurn drives the turn protocol and closes out at the end.
func (p *Pipeline) runTurn(ctx context.Context, req *sts.Request, out chan<- *sts.Response) {
	defer close(out)

	start := time.Now()
	perf := sts.PerformanceRecord{
		TransactionID: uuid.NewString(),
		ContextID:     req.ContextID,
		UserID:        req.UserID,
		VoiceLength:   req.AudioDuration,
		LLMName:       p.llm.Name(),
	}
	if p.stt != nil {
		perf.STTName = p.stt.Name()
	}
	if p.tts != nil {
		perf.TTSName = p.tts.Name()
	}
	if len(req.Files) > 0 {
		if data, err := json.Marshal(req.Files); err == nil {
			perf.RequestFiles = string(data)
		}
	}

	text := req.Text
	if text == "" && len(req.AudioData) > 0 {
		recognized, ok := p.transcribe(ctx, req, &perf, start)
		if !ok {
			return
		}
		if recognized == "" {
			// Heard nothing: terminate silently with zero events, even when
			// the request carried files alongside the audio.
			p.metrics.RecordTurn(ctx, "silent")
			return
		}
		text = recognized
	}
	perf.RequestText = text

	// Preempt the previous turn for this context, then bind this turn's
	// emission lifetime to the registry.
	emitCtx, cancel := p.beginTurn(ctx, req.ContextID)
	defer cancel()
	perf.StopResponseTime = time.Since(start).Seconds()

	send := func(resp *sts.Response) bool {
		select {
		case out <- resp:
			return true
		case <-emitCtx.Done():
			return false
		}
	}

	if !send(&sts.Response{Type: sts.ResponseStart, ContextID: req.ContextID}) {
		p.finishPreempted(ctx, &perf, start)
		return
	}

	p.onBeforeLLM(emitCtx, req, text)

	stream, err := p.llm.ChatStream(emitCtx, req.ContextID, text, req.Files, nil)
	if err != nil {
		p.logger.Error("llm stream failed to start", "context_id", req.ContextID, "err", err)
		p.metrics.RecordProviderError(ctx, p.llm.Name(), "llm")
		p.metrics.RecordTurn(ctx, "failed")
		return
	}

	var fullText, fullVoice strings.Builder
	for resp := range stream {
		// First-chunk latency counts whatever arrives first, tool calls
		// included.
		if perf.LLMFirstChunkTime == 0 {
			perf.LLMFirstChunkTime = time.Since(start).Seconds()
			p.metrics.LLMFirstChunk.Record(ctx, perf.LLMFirstChunkTime)
		}

		if resp.ToolCall != nil {
			if !send(&sts.Response{Type: sts.ResponseToolCall, ContextID: req.ContextID, ToolCall: resp.ToolCall}) {
				p.finishPreempted(ctx, &perf, start)
				return
			}
			continue
		}

		if lang := p.processChunk(resp); lang != "" {
			p.setLanguage(req.ContextID, lang)
		}

		var audio []byte
		if resp.VoiceText != "" {
			if perf.LLMFirstVoiceChunkTime == 0 {
				perf.LLMFirstVoiceChunkTime = time.Since(start).Seconds()
				p.onBeforeTTS(emitCtx, req)
			}
			audio = p.synthesize(emitCtx, req.ContextID, resp, &perf, start)
		}

		fullText.WriteString(resp.Text)
		fullVoice.WriteString(resp.VoiceText)

		if !send(&sts.Response{
			Type:      sts.ResponseChunk,
			ContextID: req.ContextID,
			Text:      resp.Text,
			VoiceText: resp.VoiceText,
			AudioData: audio,
		}) {
			p.finishPreempted(ctx, &perf, start)
			return
		}
	}
	perf.LLMTime = time.Since(start).Seconds()
	p.metrics.LLMDuration.Record(ctx, perf.LLMTime)

	if emitCtx.Err() != nil {
		p.finishPreempted(ctx, &perf, start)
		return
	}

	perf.ResponseText = fullText.String()
	perf.ResponseVoiceText = fullVoice.String()

	if !send(&sts.Response{
		Type:      sts.ResponseFinal,
		ContextID: req.ContextID,
		Text:      perf.ResponseText,
		VoiceText: perf.ResponseVoiceText,
	}) {
		p.finishPreempted(ctx, &perf, start)
		return
	}

	perf.TotalTime = time.Since(start).Seconds()
	p.metrics.TurnDuration.Record(ctx, perf.TotalTime)
	p.metrics.RecordTurn(ctx, "completed")
	p.recorder.Record(perf)
	p.onFinish(ctx, req, &perf)
}

// transcribe runs the STT stage. ok=false means the turn already failed and
// was accounted for.
func (p *Pipeline) transcribe(ctx context.Context, req *sts.Request, perf *sts.PerformanceRecord, start time.Time) (string, bool) {
	if p.stt == nil {
		p.logger.Error("audio request but no transcriber configured", "context_id", req.ContextID)
		p.metrics.RecordTurn(ctx, "failed")
		return "", false
	}

	result, err := p.stt.Transcribe(ctx, stt.Request{
		Data:       req.AudioData,
		SampleRate: p.sampleRate,
		Channels:   p.channels,
		Language:   p.language(req.ContextID),
	})
	perf.STTTime = time.Since(start).Seconds()
	p.metrics.STTDuration.Record(ctx, perf.STTTime)
	if err != nil {
		p.logger.Error("transcription failed", "context_id", req.ContextID,
			"err", fmt.Errorf("%w: %v", sts.ErrSTTUnavailable, err))
		p.metrics.RecordProviderError(ctx, p.stt.Name(), "stt")
		p.metrics.RecordTurn(ctx, "failed")
		return "", false
	}
	if result.Language != "" {
		p.setLanguage(req.ContextID, result.Language)
	}
	return result.Text, true
}

// synthesize renders one spoken segment. Failures degrade the chunk to
// text-only: the returned audio is nil and the turn continues.
func (p *Pipeline) synthesize(ctx context.Context, contextID string, resp sts.LLMResponse, perf *sts.PerformanceRecord, start time.Time) []byte {
	if p.tts == nil {
		return nil
	}

	segStart := time.Now()
	pcm, rate, err := p.tts.Synthesize(ctx, tts.Request{
		Text:     resp.VoiceText,
		StyleID:  p.styleFor(resp.Text),
		Language: p.language(contextID),
	})
	elapsed := time.Since(segStart)
	p.metrics.TTSDuration.Record(ctx, elapsed.Seconds())
	if err != nil {
		p.logger.Error("synthesis failed, continuing without audio",
			"context_id", contextID,
			"err", fmt.Errorf("%w: %v", sts.ErrTTS, err))
		p.metrics.RecordProviderError(ctx, p.tts.Name(), "tts")
		return nil
	}

	// Normalize to the pipeline rate so playback paths and clients deal
	// with a single format regardless of the synthesis backend.
	pcm = audio.Resample(pcm, rate, p.sampleRate, p.channels)

	if perf.TTSFirstChunkTime == 0 {
		perf.TTSFirstChunkTime = time.Since(start).Seconds()
	}
	perf.TTSTime = time.Since(start).Seconds()
	return pcm
}

// finishPreempted accounts for a turn cut off by a newer one.
func (p *Pipeline) finishPreempted(ctx context.Context, perf *sts.PerformanceRecord, start time.Time) {
	perf.TotalTime = time.Since(start).Seconds()
	p.metrics.RecordTurn(ctx, "preempted")
	p.recorder.Record(*perf)
}

// ─── turn registry ───────────────────────────────────────────────────────────

// beginTurn cancels the context's previous turn (if any) and registers a new
// one whose emission context is derived from ctx. When a previous turn is
// preempted, the context's stop handler runs before this function returns, so
// the transport has dropped stale playback before the new turn emits anything.
func (p *Pipeline) beginTurn(ctx context.Context, contextID string) (context.Context, context.CancelFunc) {
	turnCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	prev := p.turns[contextID]
	onStop := p.stopHandlers[contextID]
	if prev == nil {
		p.metrics.ActiveSessions.Add(ctx, 1)
	}
	p.turns[contextID] = &turn{cancel: cancel}
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
		if onStop != nil {
			onStop()
		}
	}
	return turnCtx, cancel
}

// SetStopHandler registers fn to run whenever a newer turn preempts the
// context's in-flight one. Transports use it to cancel downstream playback: a
// websocket session pushes a stop frame, the local device drops its queued
// audio. A nil fn removes the handler.
func (p *Pipeline) SetStopHandler(contextID string, fn func()) {
	p.mu.Lock()
	if fn == nil {
		delete(p.stopHandlers, contextID)
	} else {
		p.stopHandlers[contextID] = fn
	}
	p.mu.Unlock()
}

// StopResponse cancels the context's in-flight turn, if any. The transport
// injects the stop event on its own framing.
func (p *Pipeline) StopResponse(contextID string) {
	p.mu.Lock()
	t := p.turns[contextID]
	p.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

// ─── sticky language ─────────────────────────────────────────────────────────

var languageTagPattern = regexp.MustCompile(`\[language:(\w[\w-]*)\]`)

// extractLanguageTag is the default ProcessLLMChunk: it reads a [language:xx]
// directive from the display segment, or returns "" to keep the current
// sticky language.
func extractLanguageTag(resp sts.LLMResponse) string {
	m := languageTagPattern.FindStringSubmatch(resp.Text)
	if m == nil {
		return ""
	}
	return m[1]
}

func (p *Pipeline) setLanguage(contextID, lang string) {
	p.mu.Lock()
	p.languages[contextID] = lang
	p.mu.Unlock()
}

func (p *Pipeline) language(contextID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.languages[contextID]
}

// ─── style resolution ────────────────────────────────────────────────────────

var faceTagPattern = regexp.MustCompile(`\[face:(\w+)\]`)

// styleFor resolves the synthesis style for a segment from its [face:...]
// directive, when a style mapper is configured.
func (p *Pipeline) styleFor(text string) int {
	if p.styleMapper == nil {
		return 0
	}
	m := faceTagPattern.FindStringSubmatch(text)
	if m == nil {
		return p.styleMapper.Resolve("")
	}
	return p.styleMapper.Resolve(m[1])
}

// ─── session lifecycle ───────────────────────────────────────────────────────

// AttachVAD registers the pipeline as the detector's utterance handler. Each
// detected utterance becomes one Invoke call; every response is delivered to
// handle in stream order.
func (p *Pipeline) AttachVAD(d *vad.Detector, handle func(ctx context.Context, resp *sts.Response) error) {
	d.OnSpeechDetected(func(ctx context.Context, u vad.Utterance) error {
		stream, err := p.Invoke(ctx, &sts.Request{
			ContextID:     u.SessionID,
			AudioData:     u.Data,
			AudioDuration: u.Duration.Seconds(),
		})
		if err != nil {
			return err
		}
		for resp := range stream {
			if err := handle(ctx, resp); err != nil {
				p.logger.Error("response handler failed", "context_id", u.SessionID, "err", err)
			}
		}
		return nil
	})
}

// Finalize tears down a context: cancels its in-flight turn and forgets its
// sticky language. The VAD session, when one exists, is the transport's to
// finalize.
func (p *Pipeline) Finalize(ctx context.Context, contextID string) {
	p.mu.Lock()
	t := p.turns[contextID]
	delete(p.turns, contextID)
	delete(p.languages, contextID)
	delete(p.stopHandlers, contextID)
	p.mu.Unlock()

	if t != nil {
		t.cancel()
		p.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// Shutdown cancels every in-flight turn and flushes the metrics sink.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.mu.Lock()
	turns := p.turns
	p.turns = make(map[string]*turn)
	p.stopHandlers = make(map[string]func())
	p.mu.Unlock()

	for _, t := range turns {
		t.cancel()
		p.metrics.ActiveSessions.Add(ctx, -1)
	}
	p.recorder.Close()
}
