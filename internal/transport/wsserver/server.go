// Package wsserver exposes the pipeline over a WebSocket endpoint.
//
// Each connection owns one logical session. Inbound frames are JSON:
//
//	{"type":"start","session_id":"..."}                     announce the session
//	{"type":"data","session_id":"...","audio_data":"..."}   base64 16-bit PCM for the VAD
//	{"type":"data","session_id":"...","text":"..."}         text turn, VAD and STT skipped
//	{"type":"stop","session_id":"..."}                      cancel the in-flight turn
//
// Outbound frames mirror the pipeline's response stream: start, chunk (text,
// voice_text, base64 audio_data), tool_call, final, and stop acknowledgments.
package wsserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/pkg/sts"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

// inboundFrame is one client-to-server message.
type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	AudioData string `json:"audio_data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// toolCallFrame is the wire shape of a tool-call event.
type toolCallFrame struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// outboundFrame is one server-to-client message.
type outboundFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Text      string         `json:"text,omitempty"`
	VoiceText string         `json:"voice_text,omitempty"`
	AudioData string         `json:"audio_data,omitempty"`
	ToolCall  *toolCallFrame `json:"tool_call,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Server terminates WebSocket sessions onto the pipeline. Each connection
// gets its own VAD detector so utterance routing stays connection-local.
type Server struct {
	pipeline *pipeline.Pipeline
	vadCfg   vad.Config
	logger   *slog.Logger
}

// New creates a Server over p. vadCfg configures the per-connection
// detectors; zero fields take the vad package defaults.
func New(p *pipeline.Pipeline, vadCfg vad.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipeline: p, vadCfg: vadCfg, logger: logger}
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session aborted")

	if err := s.serve(r.Context(), conn); err != nil {
		s.logger.Info("session ended", "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// serve runs the reader and writer halves of one connection.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionID := uuid.NewString()
	outbound := make(chan outboundFrame, 64)

	detector := vad.New(s.vadCfg)
	defer detector.FinalizeSession(sessionID)
	defer s.pipeline.Finalize(context.WithoutCancel(ctx), sessionID)

	s.pipeline.AttachVAD(detector, func(_ context.Context, resp *sts.Response) error {
		select {
		case outbound <- s.encode(resp):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// When a barge-in preempts the in-flight turn, tell the client to stop
	// playback before the new turn's frames arrive.
	registerStop := func(id string) {
		s.pipeline.SetStopHandler(id, func() {
			select {
			case outbound <- outboundFrame{Type: "stop", SessionID: id}:
			case <-ctx.Done():
			}
		})
	}
	registerStop(sessionID)

	g, gctx := errgroup.WithContext(ctx)

	// Writer: serializes every outbound frame onto the socket.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case frame := <-outbound:
				data, err := json.Marshal(frame)
				if err != nil {
					return fmt.Errorf("wsserver: marshal frame: %w", err)
				}
				if err := conn.Write(gctx, websocket.MessageText, data); err != nil {
					return fmt.Errorf("wsserver: write frame: %w", err)
				}
			}
		}
	})

	// Reader: dispatches inbound frames.
	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return fmt.Errorf("wsserver: read frame: %w", err)
			}

			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.logger.Warn("dropping malformed frame", "session_id", sessionID, "err", err)
				continue
			}
			if frame.SessionID != "" && frame.SessionID != sessionID {
				s.pipeline.SetStopHandler(sessionID, nil)
				sessionID = frame.SessionID
				registerStop(sessionID)
			}

			switch frame.Type {
			case "start":
				// Session announced; nothing to do until data arrives.

			case "data":
				if err := s.handleData(gctx, detector, sessionID, frame, outbound); err != nil {
					s.logger.Warn("dropping data frame", "session_id", sessionID, "err", err)
				}

			case "stop":
				s.pipeline.StopResponse(sessionID)
				select {
				case outbound <- outboundFrame{Type: "stop", SessionID: sessionID}:
				case <-gctx.Done():
					return gctx.Err()
				}

			default:
				s.logger.Warn("unknown frame type", "session_id", sessionID, "type", frame.Type)
			}
		}
	})

	return g.Wait()
}

// handleData routes one data frame: audio goes through the VAD, text turns
// invoke the pipeline directly.
func (s *Server) handleData(ctx context.Context, detector *vad.Detector, sessionID string, frame inboundFrame, outbound chan<- outboundFrame) error {
	if frame.AudioData != "" {
		pcm, err := base64.StdEncoding.DecodeString(frame.AudioData)
		if err != nil {
			return fmt.Errorf("decode audio: %w", err)
		}
		return detector.ProcessSamples(pcm, sessionID)
	}

	if frame.Text == "" {
		return fmt.Errorf("%w: data frame carries neither audio nor text", sts.ErrEmptyInput)
	}

	stream, err := s.pipeline.Invoke(ctx, &sts.Request{ContextID: sessionID, Text: frame.Text})
	if err != nil {
		return err
	}
	go func() {
		for resp := range stream {
			select {
			case outbound <- s.encode(resp):
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// encode maps a pipeline response onto the wire envelope.
func (s *Server) encode(resp *sts.Response) outboundFrame {
	frame := outboundFrame{
		Type:      string(resp.Type),
		SessionID: resp.ContextID,
		Text:      resp.Text,
		VoiceText: resp.VoiceText,
	}
	if len(resp.AudioData) > 0 {
		frame.AudioData = base64.StdEncoding.EncodeToString(resp.AudioData)
	}
	if resp.ToolCall != nil {
		frame.ToolCall = &toolCallFrame{Name: resp.ToolCall.Name, Arguments: resp.ToolCall.Arguments}
	}
	return frame
}
