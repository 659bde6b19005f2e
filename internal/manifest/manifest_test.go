package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteCreatesDatedSessionDir(t *testing.T) {
	runsDir := t.TempDir()
	w := &Writer{now: func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) }}

	m := Manifest{
		SessionID:   "01J000SESSION",
		StartedAtMS: 1000,
		EndedAtMS:   5000,
		Profiles: Profiles{
			LLMBackend: "ollama",
			LLMProfile: "default",
			STTProfile: "default",
			TTSVoice:   "default",
			VADProfile: "command",
		},
		Artifacts: map[string]string{
			"trace": "abc123",
		},
	}

	path, err := w.Write(runsDir, m.SessionID, m)
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}

	want := filepath.Join(runsDir, "2026-07-31", "01J000SESSION", "manifest.json")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	var decoded Manifest
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.SessionID != m.SessionID {
		t.Errorf("decoded session_id = %q, want %q", decoded.SessionID, m.SessionID)
	}
	if decoded.Artifacts["trace"] != "abc123" {
		t.Errorf("decoded artifacts[trace] = %q, want abc123", decoded.Artifacts["trace"])
	}
}

func TestWriteDevContextMarkerOnly(t *testing.T) {
	runsDir := t.TempDir()
	w := NewWriter()

	m := Manifest{
		SessionID:  "s2",
		DevContext: &DevContext{Mode: "once", Bytes: 128},
		Artifacts:  map[string]string{},
	}
	path, err := w.Write(runsDir, m.SessionID, m)
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	dc, ok := generic["dev_context"].(map[string]any)
	if !ok {
		t.Fatalf("expected dev_context object in manifest JSON")
	}
	if _, hasContent := dc["content"]; hasContent {
		t.Errorf("manifest must never carry dev-context content")
	}
	if dc["mode"] != "once" {
		t.Errorf("dev_context.mode = %v, want once", dc["mode"])
	}
	if dc["bytes"] != float64(128) {
		t.Errorf("dev_context.bytes = %v, want 128", dc["bytes"])
	}
}

func TestWriteIsolatesSessionDirectories(t *testing.T) {
	runsDir := t.TempDir()
	w := NewWriter()

	p1, err := w.Write(runsDir, "session-a", Manifest{SessionID: "session-a", Artifacts: map[string]string{}})
	if err != nil {
		t.Fatalf("Write session-a error: %v", err)
	}
	p2, err := w.Write(runsDir, "session-b", Manifest{SessionID: "session-b", Artifacts: map[string]string{}})
	if err != nil {
		t.Fatalf("Write session-b error: %v", err)
	}
	if p1 == p2 {
		t.Errorf("expected distinct manifest paths per session")
	}
	if filepath.Base(filepath.Dir(p1)) != "session-a" {
		t.Errorf("expected session-a directory, got %s", filepath.Dir(p1))
	}
}

func TestTracePath(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	got := TracePath("/runs", "sess1", at)
	want := filepath.Join("/runs", "2026-07-31", "sess1", "trace.json")
	if got != want {
		t.Errorf("TracePath = %q, want %q", got, want)
	}
}
