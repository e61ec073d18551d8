// Package vad implements a streaming amplitude-gate voice activity detector.
//
// The detector segments user speech out of a continuous stream of 16-bit
// little-endian PCM samples. Each logical session owns an independent state
// machine: an amplitude gate opens a recording, a pre-roll ring backfills the
// moments before the gate opened, a silence hang-over closes the segment, and
// min/max duration guards discard segments that are too short or abort ones
// that grow too long.
//
// Detection is synchronous: ProcessSamples returns immediately after updating
// session state. When a segment closes, the registered handler is launched on
// its own goroutine (fire-and-forget) so the next segment is never stalled by
// downstream work.
//
// A Detector is safe for concurrent use across sessions. Samples for a single
// session must be fed from one goroutine at a time.
package vad

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/pkg/sts"
)

// Default configuration values. See [Config].
const (
	DefaultVolumeDBThreshold  = -40.0
	DefaultSilenceDuration    = 500 * time.Millisecond
	DefaultMinDuration        = 200 * time.Millisecond
	DefaultMaxDuration        = 10 * time.Second
	DefaultSampleRate         = 16000
	DefaultChannels           = 1
	DefaultPrerollBufferCount = 5
)

// Config holds the detection parameters for a [Detector]. Zero values are
// replaced by the package defaults in [New].
type Config struct {
	// VolumeDBThreshold is the amplitude gate in dBFS. Chunks whose peak
	// amplitude exceeds 32767·10^(dB/20) are classified as speech.
	VolumeDBThreshold float64

	// SilenceDuration is the trailing silence needed to close a segment.
	SilenceDuration time.Duration

	// MinDuration discards closed segments shorter than this.
	MinDuration time.Duration

	// MaxDuration aborts segments that grow beyond this without emission.
	MaxDuration time.Duration

	// SampleRate and Channels describe the PCM input format.
	SampleRate int
	Channels   int

	// PrerollBufferCount is the number of most recent input chunks
	// prepended to a recording when the gate opens, so the onset of speech
	// is not clipped.
	PrerollBufferCount int

	// ToLinear16 is an optional transform applied to each input chunk
	// before measurement (e.g. mu-law decode). Nil means input is already
	// 16-bit linear PCM.
	ToLinear16 func([]byte) []byte
}

// withDefaults returns cfg with zero fields replaced by package defaults.
func (cfg Config) withDefaults() Config {
	if cfg.VolumeDBThreshold == 0 {
		cfg.VolumeDBThreshold = DefaultVolumeDBThreshold
	}
	if cfg.SilenceDuration == 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}
	if cfg.MinDuration == 0 {
		cfg.MinDuration = DefaultMinDuration
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.PrerollBufferCount == 0 {
		cfg.PrerollBufferCount = DefaultPrerollBufferCount
	}
	return cfg
}

// Utterance is one detected speech segment. It is immutable once emitted.
type Utterance struct {
	// SessionID is the session the segment was detected in.
	SessionID string

	// Data is the recorded PCM, including pre-roll and trailing silence.
	Data []byte

	// Duration is the speech length with trailing silence trimmed from the
	// reported value (the bytes keep it).
	Duration time.Duration
}

// Handler consumes a detected utterance. It runs on its own goroutine;
// returned errors are logged, never surfaced to the sample path.
type Handler func(ctx context.Context, u Utterance) error

// Detector is the streaming speech detector. Construct with [New].
type Detector struct {
	mu                 sync.Mutex
	cfg                Config
	amplitudeThreshold float64
	shouldMute         func() bool
	handler            Handler
	sessions           map[string]*session

	logger *slog.Logger
}

// New creates a Detector with the given configuration. Zero config fields
// take the package defaults.
func New(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:                cfg,
		amplitudeThreshold: linearThreshold(cfg.VolumeDBThreshold),
		shouldMute:         func() bool { return false },
		sessions:           make(map[string]*session),
		logger:             slog.Default(),
	}
}

// linearThreshold converts a dBFS gate into a linear 16-bit amplitude.
func linearThreshold(db float64) float64 {
	return 32767 * math.Pow(10, db/20)
}

// OnSpeechDetected registers the utterance handler. Only the most recently
// registered handler is active.
func (d *Detector) OnSpeechDetected(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// SetShouldMute installs the mute predicate. While the predicate returns
// true, incoming chunks are dropped and session state (including the
// pre-roll ring) is cleared. This is the echo-cancellation hook: assert
// mute while the assistant's own voice is being played back.
func (d *Detector) SetShouldMute(f func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f == nil {
		f = func() bool { return false }
	}
	d.shouldMute = f
}

// VolumeDBThreshold returns the current gate in dBFS.
func (d *Detector) VolumeDBThreshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.VolumeDBThreshold
}

// SetVolumeDBThreshold updates the gate and recomputes the linear amplitude
// threshold atomically.
func (d *Detector) SetVolumeDBThreshold(db float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.VolumeDBThreshold = db
	d.amplitudeThreshold = linearThreshold(db)
	d.logger.Debug("updated volume threshold", "db", db, "amplitude", d.amplitudeThreshold)
}

// AmplitudeThreshold returns the current linear amplitude gate.
func (d *Detector) AmplitudeThreshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.amplitudeThreshold
}

// ProcessSamples feeds one chunk of PCM into the session's state machine.
// Odd-length chunks are rejected with [sts.ErrMalformedAudio] and dropped.
func (d *Detector) ProcessSamples(samples []byte, sessionID string) error {
	d.mu.Lock()
	cfg := d.cfg
	threshold := d.amplitudeThreshold
	mute := d.shouldMute
	handler := d.handler
	d.mu.Unlock()

	if cfg.ToLinear16 != nil {
		samples = cfg.ToLinear16(samples)
	}
	if len(samples)%2 != 0 {
		return fmt.Errorf("vad: session %s: %w", sessionID, sts.ErrMalformedAudio)
	}

	s := d.getSession(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if mute() {
		s.reset()
		s.preroll = s.preroll[:0]
		d.logger.Debug("detector muted, dropping chunk", "session_id", sessionID)
		return nil
	}

	s.pushPreroll(samples, cfg.PrerollBufferCount)

	maxAmp := maxAmplitude(samples)
	chunkDur := chunkDuration(len(samples), cfg.SampleRate, cfg.Channels)

	if !s.isRecording {
		if maxAmp > threshold {
			// Gate opens: seed the buffer with the pre-roll ring plus the
			// current chunk.
			s.reset()
			s.isRecording = true
			for _, f := range s.preroll {
				s.buffer = append(s.buffer, f...)
			}
			s.buffer = append(s.buffer, samples...)
			s.recordDuration += chunkDur
		}
		return nil
	}

	s.buffer = append(s.buffer, samples...)
	s.recordDuration += chunkDur

	if maxAmp > threshold {
		s.silenceDuration = 0
	} else {
		s.silenceDuration += chunkDur
	}

	switch {
	case s.silenceDuration >= cfg.SilenceDuration:
		recorded := s.recordDuration - s.silenceDuration
		if recorded < cfg.MinDuration {
			d.logger.Debug("recording too short", "session_id", sessionID, "duration", recorded)
		} else {
			data := make([]byte, len(s.buffer))
			copy(data, s.buffer)
			d.emit(Utterance{SessionID: sessionID, Data: data, Duration: recorded}, handler)
		}
		s.reset()

	case s.recordDuration >= cfg.MaxDuration:
		d.logger.Debug("recording too long, aborting", "session_id", sessionID, "duration", s.recordDuration)
		s.reset()
	}
	return nil
}

// emit launches the handler on its own goroutine. The detector never waits
// for the handler: a slow turn must not stall the next segment.
func (d *Detector) emit(u Utterance, handler Handler) {
	if handler == nil {
		d.logger.Warn("utterance detected but no handler registered", "session_id", u.SessionID)
		return
	}
	go func() {
		if err := handler(context.Background(), u); err != nil {
			d.logger.Error("speech handler failed", "session_id", u.SessionID, "err", err)
		}
	}()
}

// ProcessStream consumes chunks from input until the channel closes, an
// empty chunk arrives, or ctx is cancelled, then deletes the session.
func (d *Detector) ProcessStream(ctx context.Context, input <-chan []byte, sessionID string) error {
	d.logger.Info("start processing stream", "session_id", sessionID)
	defer d.DeleteSession(sessionID)
	defer d.logger.Info("finish processing stream", "session_id", sessionID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-input:
			if !ok || len(data) == 0 {
				return nil
			}
			if err := d.ProcessSamples(data, sessionID); err != nil {
				d.logger.Error("dropping chunk", "session_id", sessionID, "err", err)
			}
		}
	}
}

// FinalizeSession tears down the session. Idempotent.
func (d *Detector) FinalizeSession(sessionID string) {
	d.DeleteSession(sessionID)
}

// maxAmplitude returns max(|s|) over the 16-bit little-endian samples in chunk.
func maxAmplitude(chunk []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(chunk); i += 2 {
		s := int16(chunk[i]) | int16(chunk[i+1])<<8
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// chunkDuration converts a chunk's byte count into play time.
func chunkDuration(byteCount, sampleRate, channels int) time.Duration {
	samples := float64(byteCount) / 2
	seconds := samples / float64(sampleRate*channels)
	return time.Duration(seconds * float64(time.Second))
}
