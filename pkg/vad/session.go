package vad

import (
	"sync"
	"time"
)

// session is the per-session recording state. All fields are guarded by mu.
//
// Invariants: when isRecording is false the buffer is empty and both
// durations are zero; the pre-roll ring never holds more than the configured
// chunk count regardless of recording state.
type session struct {
	mu sync.Mutex

	isRecording     bool
	buffer          []byte
	silenceDuration time.Duration
	recordDuration  time.Duration
	preroll         [][]byte
}

// reset clears recording state but keeps the pre-roll ring.
func (s *session) reset() {
	s.buffer = s.buffer[:0]
	s.isRecording = false
	s.silenceDuration = 0
	s.recordDuration = 0
}

// pushPreroll appends chunk to the ring, evicting the oldest entry when the
// ring is full.
func (s *session) pushPreroll(chunk []byte, max int) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.preroll = append(s.preroll, cp)
	if len(s.preroll) > max {
		s.preroll = s.preroll[1:]
	}
}

// Snapshot is a point-in-time copy of a session's observable state, exposed
// for diagnostics and tests.
type Snapshot struct {
	Exists          bool
	IsRecording     bool
	BufferLen       int
	PrerollLen      int
	RecordDuration  time.Duration
	SilenceDuration time.Duration
}

// getSession returns the session for sessionID, creating it on miss.
func (d *Detector) getSession(sessionID string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		s = &session{}
		d.sessions[sessionID] = s
	}
	return s
}

// ResetSession clears the session's recording state while keeping the
// registry entry and its pre-roll ring. No-op for unknown sessions.
func (d *Detector) ResetSession(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
}

// DeleteSession removes the session from the registry. Idempotent.
func (d *Detector) DeleteSession(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
	}
}

// SessionSnapshot reports the current state of a session without creating
// it. Exists is false when the session is not registered.
func (d *Detector) SessionSnapshot(sessionID string) Snapshot {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Exists:          true,
		IsRecording:     s.isRecording,
		BufferLen:       len(s.buffer),
		PrerollLen:      len(s.preroll),
		RecordDuration:  s.recordDuration,
		SilenceDuration: s.silenceDuration,
	}
}
