// Package device drives the pipeline from a local duplex audio device.
//
// Captured microphone samples feed the voice activity detector; synthesized
// response audio is queued for playback on the same device. While playback is
// active a mute predicate on the detector drops captured chunks and resets the
// recording state, so the assistant does not interrupt itself with its own
// output picked up by the microphone. A barge-in that preempts the in-flight
// turn drops whatever playback is still queued.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/pkg/sts"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

// playbackTail keeps the mute heuristic active briefly after the playback
// queue drains, covering room reverb and output buffer latency.
const playbackTail = 200 * time.Millisecond

// Config controls the audio device and the session it serves.
type Config struct {
	// ContextID identifies the conversation context. Required.
	ContextID string

	// SampleRate is the capture and playback rate in Hz. Defaults to 16000.
	SampleRate int

	// Channels is the channel count for both directions. Defaults to 1.
	Channels int

	// VAD configures the detector fed by the capture path.
	VAD vad.Config

	// Logger receives device lifecycle and turn logs. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Device is a malgo duplex device bound to one pipeline context.
type Device struct {
	pipeline *pipeline.Pipeline
	cfg      Config
	logger   *slog.Logger
	detector *vad.Detector

	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	mu         sync.Mutex
	playback   []byte
	lastPlayed time.Time
}

// New prepares a Device over p. The device is not opened until Start.
func New(p *pipeline.Pipeline, cfg Config) (*Device, error) {
	if p == nil {
		return nil, fmt.Errorf("device: pipeline is required")
	}
	if cfg.ContextID == "" {
		return nil, fmt.Errorf("device: context id is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Device{
		pipeline: p,
		cfg:      cfg,
		logger:   cfg.Logger,
		detector: vad.New(cfg.VAD),
	}
	d.detector.SetShouldMute(d.muted)
	p.AttachVAD(d.detector, func(_ context.Context, resp *sts.Response) error {
		d.handleResponse(resp)
		return nil
	})
	p.SetStopHandler(cfg.ContextID, d.dropPlayback)
	return d, nil
}

// Start opens the duplex device and begins capturing. Response audio plays
// back as turns complete. Stop releases the device.
func (d *Device) Start(ctx context.Context) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("device: init audio context: %w", err)
	}
	d.mctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(d.cfg.Channels)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(d.cfg.Channels)
	deviceConfig.SampleRate = uint32(d.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return fmt.Errorf("device: init duplex device: %w", err)
	}
	d.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		mctx.Uninit()
		return fmt.Errorf("device: start device: %w", err)
	}

	d.logger.Info("audio device started",
		"context_id", d.cfg.ContextID,
		"sample_rate", d.cfg.SampleRate,
		"channels", d.cfg.Channels)
	return nil
}

// onSamples is the malgo data callback: one call services both the capture
// and playback halves of the duplex device.
func (d *Device) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil {
		// The detector's mute predicate drops these while the assistant
		// is audible.
		if err := d.detector.ProcessSamples(pInput, d.cfg.ContextID); err != nil {
			d.logger.Warn("capture dropped", "context_id", d.cfg.ContextID, "err", err)
		}
	}

	if pOutput != nil {
		d.mu.Lock()
		n := copy(pOutput, d.playback)
		d.playback = d.playback[n:]
		if n > 0 {
			d.lastPlayed = time.Now()
		}
		d.mu.Unlock()
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}
}

// muted reports whether captured audio should be suppressed because the
// assistant is (or just was) speaking.
func (d *Device) muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.playback) > 0 || time.Since(d.lastPlayed) < playbackTail
}

// handleResponse queues synthesized audio and logs turn boundaries.
func (d *Device) handleResponse(resp *sts.Response) {
	switch resp.Type {
	case sts.ResponseChunk:
		if len(resp.AudioData) == 0 {
			return
		}
		d.mu.Lock()
		d.playback = append(d.playback, resp.AudioData...)
		d.mu.Unlock()

	case sts.ResponseFinal:
		d.logger.Info("turn finished", "context_id", resp.ContextID, "text", resp.Text)

	case sts.ResponseToolCall:
		if resp.ToolCall != nil {
			d.logger.Info("tool call", "context_id", resp.ContextID, "name", resp.ToolCall.Name)
		}
	}
}

// dropPlayback discards queued response audio. The pipeline calls it when a
// newer turn preempts the one that produced the audio.
func (d *Device) dropPlayback() {
	d.mu.Lock()
	d.playback = nil
	d.mu.Unlock()
}

// Interrupt drops queued playback and cancels the in-flight turn.
func (d *Device) Interrupt() {
	d.dropPlayback()
	d.pipeline.StopResponse(d.cfg.ContextID)
}

// Stop releases the audio device and finalizes the session.
func (d *Device) Stop(ctx context.Context) error {
	if d.dev != nil {
		d.dev.Uninit()
		d.dev = nil
	}
	if d.mctx != nil {
		d.mctx.Uninit()
		d.mctx = nil
	}
	d.detector.FinalizeSession(d.cfg.ContextID)
	d.pipeline.Finalize(ctx, d.cfg.ContextID)
	return nil
}
