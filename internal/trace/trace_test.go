package trace

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestTidAssignmentStable(t *testing.T) {
	r := NewRecorder(1, slog.Default())

	r.SpanBegin("vad", "vad_start", nil)
	r.SpanBegin("stt", "stt_final", nil)
	r.SpanBegin("vad", "vad_end", nil)

	events := r.Events()
	tidByComponent := map[string]int{}
	for _, e := range events {
		tidByComponent[e.Name] = e.TID
	}

	if tidByComponent["vad_start"] != tidByComponent["vad_end"] {
		t.Errorf("expected stable tid for component vad across spans")
	}
	if tidByComponent["vad_start"] == tidByComponent["stt_final"] {
		t.Errorf("expected distinct tids for distinct components")
	}
	if tidByComponent["vad_start"] != 1 {
		t.Errorf("first component seen should get tid 1, got %d", tidByComponent["vad_start"])
	}
	if tidByComponent["stt_final"] != 2 {
		t.Errorf("second component seen should get tid 2, got %d", tidByComponent["stt_final"])
	}
}

func TestSpanBeginEndPh(t *testing.T) {
	r := NewRecorder(1, slog.Default())
	r.SpanBegin("llm", "llm_stream", map[string]any{"backend": "ollama"})
	r.SpanEnd("llm", "llm_stream", map[string]any{"tokens": 42})

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Ph != "B" || events[1].Ph != "E" {
		t.Errorf("expected B then E, got %s then %s", events[0].Ph, events[1].Ph)
	}
	if events[1].TS < events[0].TS {
		t.Errorf("end timestamp %d before begin timestamp %d", events[1].TS, events[0].TS)
	}
}

func TestCounterPh(t *testing.T) {
	r := NewRecorder(1, slog.Default())
	r.Counter("audio", "audio_level", 0.42, map[string]any{"rms": 0.42})

	events := r.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Ph != "C" {
		t.Errorf("expected ph C, got %s", events[0].Ph)
	}
	if events[0].Args["value"] != 0.42 {
		t.Errorf("expected args.value == 0.42, got %v", events[0].Args["value"])
	}
}

func TestSpanEndWithoutBeginDoesNotPanic(t *testing.T) {
	r := NewRecorder(1, slog.Default())
	r.SpanEnd("vad", "vad_start", nil) // no matching begin; must not panic
	if len(r.Events()) != 1 {
		t.Errorf("expected the stray end event to still be recorded")
	}
}

func TestExportWritesChromeTraceJSON(t *testing.T) {
	r := NewRecorder(1, slog.Default())
	r.SpanBegin("stt", "stt_final", map[string]any{"confidence": 0.9})
	r.SpanEnd("stt", "stt_final", nil)

	path := filepath.Join(t.TempDir(), "nested", "trace.json")
	if err := r.Export(path); err != nil {
		t.Fatalf("Export error: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}

	var decoded []Event
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 events in export, got %d", len(decoded))
	}
	if decoded[0].Ph != "B" || decoded[1].Ph != "E" {
		t.Errorf("unexpected ph sequence in exported JSON: %s, %s", decoded[0].Ph, decoded[1].Ph)
	}
}

func TestExportJSONMatchesExportedFile(t *testing.T) {
	r := NewRecorder(1, slog.Default())
	r.Counter("audio", "audio_level", 0.1, nil)

	b, err := r.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "trace.json")
	if err := r.Export(path); err != nil {
		t.Fatalf("Export error: %v", err)
	}
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(b) != string(fileBytes) {
		t.Errorf("ExportJSON output and Export file contents differ")
	}
}
