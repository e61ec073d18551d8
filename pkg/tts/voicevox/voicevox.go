// Package voicevox provides a Synthesizer backed by a local VOICEVOX engine.
//
// VOICEVOX exposes a two-step REST API: POST /audio_query derives synthesis
// parameters for a text, POST /synthesis renders them to a WAV file. The
// returned WAV is decoded to bare PCM before it leaves this package.
package voicevox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/tts"
)

const defaultStyleID = 1

// Synthesizer implements tts.Synthesizer backed by a VOICEVOX engine.
type Synthesizer struct {
	baseURL        string
	defaultStyleID int
	speedScale     float64
	httpClient     *http.Client
}

// Option is a functional option for Synthesizer.
type Option func(*Synthesizer)

// WithDefaultStyle sets the style used when a request carries none.
func WithDefaultStyle(id int) Option {
	return func(s *Synthesizer) {
		s.defaultStyleID = id
	}
}

// WithSpeedScale scales speaking speed (1.0 = normal).
func WithSpeedScale(scale float64) Option {
	return func(s *Synthesizer) {
		s.speedScale = scale
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.httpClient.Timeout = d
	}
}

// New creates a Synthesizer that connects to the VOICEVOX engine at baseURL
// (e.g. "http://localhost:50021").
func New(baseURL string, opts ...Option) (*Synthesizer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("voicevox: baseURL must not be empty")
	}
	s := &Synthesizer{
		baseURL:        baseURL,
		defaultStyleID: defaultStyleID,
		speedScale:     1.0,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements tts.Synthesizer.
func (s *Synthesizer) Name() string { return "voicevox" }

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) ([]byte, int, error) {
	if req.Text == "" {
		return nil, 0, fmt.Errorf("voicevox: empty text")
	}
	styleID := req.StyleID
	if styleID == 0 {
		styleID = s.defaultStyleID
	}

	query, err := s.audioQuery(ctx, req.Text, styleID)
	if err != nil {
		return nil, 0, err
	}
	wav, err := s.synthesis(ctx, query, styleID)
	if err != nil {
		return nil, 0, err
	}

	pcm, sampleRate, _, ok := audio.DecodeWAV(wav)
	if !ok {
		return nil, 0, fmt.Errorf("voicevox: engine returned non-PCM WAV")
	}
	return pcm, sampleRate, nil
}

// ListStyles implements tts.Synthesizer by flattening the engine's speaker
// catalogue.
func (s *Synthesizer) ListStyles(ctx context.Context) ([]tts.StyleInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/speakers", nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox: create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicevox: list speakers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voicevox: list speakers: status %d", resp.StatusCode)
	}

	var speakers []struct {
		Name   string `json:"name"`
		Styles []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"styles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("voicevox: parse speakers: %w", err)
	}

	var styles []tts.StyleInfo
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			styles = append(styles, tts.StyleInfo{ID: st.ID, Name: st.Name, Speaker: sp.Name})
		}
	}
	return styles, nil
}

// audioQuery derives synthesis parameters for text via POST /audio_query.
func (s *Synthesizer) audioQuery(ctx context.Context, text string, styleID int) (map[string]any, error) {
	endpoint := s.baseURL + "/audio_query?" + url.Values{
		"text":    {text},
		"speaker": {strconv.Itoa(styleID)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("voicevox: create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicevox: audio query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voicevox: audio query: status %d", resp.StatusCode)
	}

	var query map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&query); err != nil {
		return nil, fmt.Errorf("voicevox: parse audio query: %w", err)
	}
	if s.speedScale != 0 && s.speedScale != 1.0 {
		query["speedScale"] = s.speedScale
	}
	return query, nil
}

// synthesis renders an audio query to WAV via POST /synthesis.
func (s *Synthesizer) synthesis(ctx context.Context, query map[string]any, styleID int) ([]byte, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("voicevox: marshal audio query: %w", err)
	}

	endpoint := s.baseURL + "/synthesis?" + url.Values{
		"speaker": {strconv.Itoa(styleID)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voicevox: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voicevox: synthesis: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voicevox: synthesis: status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("voicevox: read synthesis response: %w", err)
	}
	return wav, nil
}

// Compile-time assertion that Synthesizer implements tts.Synthesizer.
var _ tts.Synthesizer = (*Synthesizer)(nil)
