package vad_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/pkg/sts"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// pcmChunk builds a chunk of n 16-bit samples, all at the given amplitude.
func pcmChunk(n int, amplitude int16) []byte {
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(amplitude))
	}
	return b
}

// collector registers a handler that forwards utterances to a channel.
func collector(d *vad.Detector) <-chan vad.Utterance {
	ch := make(chan vad.Utterance, 8)
	d.OnSpeechDetected(func(_ context.Context, u vad.Utterance) error {
		ch <- u
		return nil
	})
	return ch
}

// waitUtterance waits for one emission or fails the test.
func waitUtterance(t *testing.T, ch <-chan vad.Utterance) vad.Utterance {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for utterance")
		return vad.Utterance{}
	}
}

// assertNoUtterance asserts that nothing is emitted within a grace period.
func assertNoUtterance(t *testing.T, ch <-chan vad.Utterance) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected utterance emitted: %d bytes, %v", len(u.Data), u.Duration)
	case <-time.After(100 * time.Millisecond):
	}
}

// ─── TestShortBurstDiscarded ─────────────────────────────────────────────────

// TestShortBurstDiscarded feeds 7,999 loud samples followed by silence. The
// segment closes at 0.49994 s of speech, below the 0.5 s minimum, so nothing
// is emitted and the session returns to idle.
func TestShortBurstDiscarded(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{MinDuration: 500 * time.Millisecond})
	ch := collector(d)

	if err := d.ProcessSamples(pcmChunk(7999, 1000), "s1"); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if err := d.ProcessSamples(pcmChunk(8000, 0), "s1"); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}

	assertNoUtterance(t, ch)
	snap := d.SessionSnapshot("s1")
	if snap.IsRecording {
		t.Error("session still recording after short segment was discarded")
	}
	if snap.BufferLen != 0 || snap.RecordDuration != 0 || snap.SilenceDuration != 0 {
		t.Errorf("idle session must have zeroed state, got %+v", snap)
	}
}

// ─── TestNormalSegment ───────────────────────────────────────────────────────

// TestNormalSegment verifies the happy path: quiet pre-roll, 0.5 s of speech,
// then enough silence to close the segment. The emitted bytes include the
// pre-roll and the trailing silence up to the hang-over; the reported
// duration trims the silence.
func TestNormalSegment(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{})
	ch := collector(d)

	quiet := pcmChunk(1600, 10) // below the −40 dB gate (T≈327)
	for i := 0; i < 3; i++ {
		if err := d.ProcessSamples(quiet, "s2"); err != nil {
			t.Fatalf("ProcessSamples: %v", err)
		}
	}

	loud := pcmChunk(8000, 1200)
	if err := d.ProcessSamples(loud, "s2"); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if err := d.ProcessSamples(pcmChunk(16000, 0), "s2"); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}

	u := waitUtterance(t, ch)
	if u.SessionID != "s2" {
		t.Errorf("SessionID = %q, want %q", u.SessionID, "s2")
	}
	if got, want := u.Duration, 500*time.Millisecond; got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}
	// Pre-roll (3 quiet chunks) + the loud chunk counted twice (once via the
	// ring, once as the current chunk) + the silence chunk.
	wantLen := 3*len(quiet) + 2*len(loud) + 16000*2
	if len(u.Data) != wantLen {
		t.Errorf("Data length = %d, want %d", len(u.Data), wantLen)
	}
	if u.Duration < vad.DefaultMinDuration {
		t.Errorf("emitted utterance shorter than minimum: %v", u.Duration)
	}
}

// ─── TestOverlongAborted ─────────────────────────────────────────────────────

// TestOverlongAborted verifies that a segment growing past MaxDuration is
// aborted without emission while the pre-roll ring is retained.
func TestOverlongAborted(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{MaxDuration: time.Second})
	ch := collector(d)

	loud := pcmChunk(1600, 2000) // 0.1 s per chunk
	for i := 0; i < 30; i++ {    // 3.0 s of continuous speech
		if err := d.ProcessSamples(loud, "s3"); err != nil {
			t.Fatalf("ProcessSamples: %v", err)
		}
	}

	assertNoUtterance(t, ch)
	snap := d.SessionSnapshot("s3")
	if snap.IsRecording {
		t.Error("session still recording after max-duration abort")
	}
	if snap.PrerollLen != vad.DefaultPrerollBufferCount {
		t.Errorf("PrerollLen = %d, want %d (ring retained across abort)",
			snap.PrerollLen, vad.DefaultPrerollBufferCount)
	}
}

// ─── TestPrerollBounded ──────────────────────────────────────────────────────

// TestPrerollBounded verifies the ring never exceeds its configured capacity
// regardless of how many chunks are processed.
func TestPrerollBounded(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{PrerollBufferCount: 3})
	quiet := pcmChunk(160, 5)
	for i := 0; i < 20; i++ {
		if err := d.ProcessSamples(quiet, "ring"); err != nil {
			t.Fatalf("ProcessSamples: %v", err)
		}
		if snap := d.SessionSnapshot("ring"); snap.PrerollLen > 3 {
			t.Fatalf("after %d chunks: PrerollLen = %d, want ≤ 3", i+1, snap.PrerollLen)
		}
	}
}

// ─── TestMuteDropsAndClears ──────────────────────────────────────────────────

// TestMuteDropsAndClears verifies that while the mute predicate holds, chunks
// are dropped, an in-progress recording is reset, and the pre-roll ring is
// cleared, so no utterance can be emitted from self-playback.
func TestMuteDropsAndClears(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{})
	ch := collector(d)

	muted := false
	d.SetShouldMute(func() bool { return muted })

	// Start a recording, then mute mid-segment.
	if err := d.ProcessSamples(pcmChunk(8000, 1500), "m"); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if snap := d.SessionSnapshot("m"); !snap.IsRecording {
		t.Fatal("expected recording to have started")
	}

	muted = true
	if err := d.ProcessSamples(pcmChunk(8000, 1500), "m"); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}

	snap := d.SessionSnapshot("m")
	if snap.IsRecording {
		t.Error("mute must reset an in-progress recording")
	}
	if snap.PrerollLen != 0 {
		t.Errorf("mute must clear the pre-roll ring, got %d entries", snap.PrerollLen)
	}
	assertNoUtterance(t, ch)
}

// ─── TestSetVolumeDBThreshold ────────────────────────────────────────────────

// TestSetVolumeDBThreshold verifies the linear gate is recomputed as
// 32767·10^(dB/20) whenever the dB threshold changes.
func TestSetVolumeDBThreshold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		db float64
	}{
		{-40},
		{-50},
		{-20},
		{-6.02},
	}

	d := vad.New(vad.Config{})
	for _, tc := range cases {
		d.SetVolumeDBThreshold(tc.db)
		want := 32767 * math.Pow(10, tc.db/20)
		if got := d.AmplitudeThreshold(); math.Abs(got-want) > 1e-9 {
			t.Errorf("db=%v: AmplitudeThreshold = %v, want %v", tc.db, got, want)
		}
		if got := d.VolumeDBThreshold(); got != tc.db {
			t.Errorf("VolumeDBThreshold = %v, want %v", got, tc.db)
		}
	}
}

// ─── TestMalformedChunkRejected ──────────────────────────────────────────────

func TestMalformedChunkRejected(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{})
	err := d.ProcessSamples([]byte{0x01, 0x02, 0x03}, "odd")
	if !errors.Is(err, sts.ErrMalformedAudio) {
		t.Fatalf("ProcessSamples(odd-length) error = %v, want ErrMalformedAudio", err)
	}
}

// ─── TestProcessStream ───────────────────────────────────────────────────────

// TestProcessStream verifies the stream loop detects a segment, terminates on
// an empty chunk, and deletes the session afterwards.
func TestProcessStream(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{})
	ch := collector(d)

	input := make(chan []byte, 8)
	input <- pcmChunk(8000, 1500)
	input <- pcmChunk(16000, 0)
	input <- nil // empty chunk terminates the stream

	if err := d.ProcessStream(context.Background(), input, "stream"); err != nil {
		t.Fatalf("ProcessStream: %v", err)
	}

	waitUtterance(t, ch)
	if snap := d.SessionSnapshot("stream"); snap.Exists {
		t.Error("session must be deleted after stream termination")
	}
}

// ─── TestSessionRegistry ─────────────────────────────────────────────────────

func TestSessionRegistry(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{})

	// Created lazily on first sample.
	if err := d.ProcessSamples(pcmChunk(160, 1500), "r"); err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if snap := d.SessionSnapshot("r"); !snap.Exists {
		t.Fatal("session not created on first sample")
	}

	// Reset keeps the entry but clears recording state.
	d.ResetSession("r")
	snap := d.SessionSnapshot("r")
	if !snap.Exists {
		t.Fatal("ResetSession must retain the registry entry")
	}
	if snap.IsRecording || snap.BufferLen != 0 {
		t.Errorf("ResetSession must clear recording state, got %+v", snap)
	}

	// Delete removes the entry; repeating is a no-op.
	d.DeleteSession("r")
	d.DeleteSession("r")
	d.FinalizeSession("r")
	if snap := d.SessionSnapshot("r"); snap.Exists {
		t.Error("DeleteSession must remove the registry entry")
	}
}

// ─── TestSilenceResetOnSpeech ────────────────────────────────────────────────

// TestSilenceResetOnSpeech verifies the hang-over counter restarts whenever a
// loud chunk interrupts a run of silence, so pauses shorter than the
// threshold never close the segment.
func TestSilenceResetOnSpeech(t *testing.T) {
	t.Parallel()

	d := vad.New(vad.Config{})
	ch := collector(d)

	loud := pcmChunk(1600, 1500)  // 0.1 s
	silent := pcmChunk(1600, 0)   // 0.1 s

	if err := d.ProcessSamples(loud, "p"); err != nil {
		t.Fatal(err)
	}
	// Three short pauses, each interrupted before the 0.5 s hang-over.
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ { // 0.4 s of silence
			if err := d.ProcessSamples(silent, "p"); err != nil {
				t.Fatal(err)
			}
		}
		if err := d.ProcessSamples(loud, "p"); err != nil {
			t.Fatal(err)
		}
	}
	assertNoUtterance(t, ch)
	if snap := d.SessionSnapshot("p"); !snap.IsRecording {
		t.Fatal("segment closed despite pauses shorter than the hang-over")
	}

	// Now let the full hang-over elapse.
	for j := 0; j < 5; j++ {
		if err := d.ProcessSamples(silent, "p"); err != nil {
			t.Fatal(err)
		}
	}
	u := waitUtterance(t, ch)
	if u.Duration < vad.DefaultMinDuration {
		t.Errorf("Duration = %v, want ≥ %v", u.Duration, vad.DefaultMinDuration)
	}
}
