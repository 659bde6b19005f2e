package session

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jtholman/voxcore/internal/adapters/sim"
	"github.com/jtholman/voxcore/internal/cas"
	"github.com/jtholman/voxcore/internal/config"
	"github.com/jtholman/voxcore/internal/events"
	"github.com/jtholman/voxcore/internal/manifest"
)

func testOrchestrator(t *testing.T) (*Orchestrator, *events.Bus) {
	t.Helper()
	cfg := config.Default()
	bus := events.New()
	casStore := cas.New(t.TempDir())
	mw := manifest.NewWriter()
	o := New(slog.New(slog.NewTextHandler(os.Stderr, nil)), bus, cfg, &sim.STT{Profile: "fast"}, &sim.TTS{}, &sim.LLM{}, casStore, mw, t.TempDir())
	return o, bus
}

func drainUntil(t *testing.T, ch <-chan events.Envelope, typ string, timeout time.Duration) events.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %q", typ)
		}
	}
}

func TestStartSessionEmitsFullTimeline(t *testing.T) {
	o, bus := testOrchestrator(t)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	sessionID, err := o.StartSession(nil)
	if err != nil {
		t.Fatalf("StartSession error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	wantInOrder := []string{
		"session_start", "audio_device_changed", "dsp_state", "vad_state",
		"wake_detected", "vad_start", "vad_end",
		"stt_partial", "stt_partial", "stt_final",
		"router_decision",
		"llm_stream_chunk", "llm_stream_chunk", "llm_stream_chunk", "llm_done",
		"tts_start", "tts_stop",
		"session_end", "run_manifest_written",
	}
	for _, want := range wantInOrder {
		got := drainUntil(t, ch, want, 5*time.Second)
		if got.SessionID != sessionID && want != "session_busy" {
			t.Errorf("event %q had session_id %q, want %q", want, got.SessionID, sessionID)
		}
	}
}

func TestStartSessionBusyIsNoop(t *testing.T) {
	o, bus := testOrchestrator(t)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	first, err := o.StartSession(nil)
	if err != nil {
		t.Fatalf("first StartSession error: %v", err)
	}

	second, err := o.StartSession(nil)
	if err != nil {
		t.Fatalf("second StartSession error: %v", err)
	}
	if second != first {
		t.Errorf("expected busy StartSession to return the existing session id %q, got %q", first, second)
	}

	got := drainUntil(t, ch, "session_busy", time.Second)
	if got.Payload["session_id"] != first {
		t.Errorf("session_busy payload session_id = %v, want %v", got.Payload["session_id"], first)
	}
}

func TestCancelDuringSessionEndsEarly(t *testing.T) {
	o, bus := testOrchestrator(t)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	sessionID, err := o.StartSession(nil)
	if err != nil {
		t.Fatalf("StartSession error: %v", err)
	}

	// Cancel as soon as possible; whichever stage is in flight should
	// observe the latch and the session should still reach session_end.
	o.Cancel("user_stop")

	got := drainUntil(t, ch, "session_end", 5*time.Second)
	if got.SessionID != sessionID {
		t.Errorf("session_end session_id = %q, want %q", got.SessionID, sessionID)
	}
}

func TestSetSelectionsAppliesToNextSession(t *testing.T) {
	o, _ := testOrchestrator(t)

	o.SetSelections(func(s Selections) Selections {
		s.TTSVoice = "custom-voice"
		return s
	})

	got := o.Selections()
	if got.TTSVoice != "custom-voice" {
		t.Errorf("TTSVoice = %q, want custom-voice", got.TTSVoice)
	}
}

func TestDevContextAttachedEmittedAndClearedAfterOnceSession(t *testing.T) {
	o, bus := testOrchestrator(t)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	o.SetDevContext("remember the user prefers metric units", "once", true)

	sessionID, err := o.StartSession(nil)
	if err != nil {
		t.Fatalf("StartSession error: %v", err)
	}

	got := drainUntil(t, ch, "dev_context_attached", 5*time.Second)
	if got.SessionID != sessionID {
		t.Errorf("dev_context_attached session_id = %q, want %q", got.SessionID, sessionID)
	}
	if got.Payload["mode"] != "once" {
		t.Errorf("dev_context_attached mode = %v, want once", got.Payload["mode"])
	}
	if got.Payload["bytes"] != len("remember the user prefers metric units") {
		t.Errorf("dev_context_attached bytes = %v, want %d", got.Payload["bytes"], len("remember the user prefers metric units"))
	}
	for k := range got.Payload {
		if k != "mode" && k != "bytes" {
			t.Errorf("dev_context_attached payload leaked field %q; only mode and bytes are allowed", k)
		}
	}

	drainUntil(t, ch, "run_manifest_written", 5*time.Second)
	if _, _, _, ok := o.DevContext(); ok {
		t.Error("expected once-mode dev context to be cleared after the session that attached it ends")
	}
}

func TestStateIdleBeforeStart(t *testing.T) {
	o, _ := testOrchestrator(t)
	if o.State() != StateIdle {
		t.Errorf("initial state = %q, want %q", o.State(), StateIdle)
	}
	if o.CurrentSession() != "" {
		t.Errorf("expected no current session before StartSession")
	}
}
