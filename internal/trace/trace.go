// Package trace records a span/counter timeline for one session and
// exports it as a flat, Chrome/Perfetto-compatible trace-event list.
// Grounded directly on original_source/.../trace.py.
package trace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jtholman/voxcore/internal/clock"
)

// Event is one trace-event record, matching the common "name, ph, ts,
// pid, tid, dur?, args?" shape from §3/§4.E.
type Event struct {
	Name string         `json:"name"`
	Ph   string         `json:"ph"` // B, E, or C
	TS   int64          `json:"ts"`
	PID  int            `json:"pid"`
	TID  int            `json:"tid"`
	Dur  *int64         `json:"dur,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// openSpan identifies an in-progress (component, name) span.
type openSpan struct {
	component string
	name      string
}

// Recorder accumulates trace events for a single session. It is safe for
// concurrent use: the orchestrator's sequential stages and any
// counter-emitting goroutine may share one Recorder.
type Recorder struct {
	mu sync.Mutex

	pid int
	log *slog.Logger

	events  []Event
	tidMap  map[string]int
	tidNext int
	open    map[openSpan]int64 // span start ts, keyed by (component,name)
}

// NewRecorder creates a Recorder for one session. pid is the Chrome
// trace-event process id (voxcore always uses 1, one logical process per
// session, matching the original's TraceRecorder(pid=1)).
func NewRecorder(pid int, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		pid:    pid,
		log:    log,
		tidMap: make(map[string]int),
		open:   make(map[openSpan]int64),
	}
}

// tid returns the stable thread id for component, assigning the next one
// (starting at 1) on first use. Caller must hold r.mu.
func (r *Recorder) tid(component string) int {
	if id, ok := r.tidMap[component]; ok {
		return id
	}
	r.tidNext++
	r.tidMap[component] = r.tidNext
	return r.tidNext
}

// SpanBegin records the start of a named span on component. Per §4.E, B
// and E events for the same (component, name) pair must alternate
// strictly — nesting the same name on the same component is a programmer
// error, logged but not panicked (errors don't cross this boundary).
func (r *Recorder) SpanBegin(component, name string, args map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := openSpan{component, name}
	ts := clock.NowUS()
	if _, already := r.open[key]; already {
		r.log.Warn("trace: span_begin with no matching span_end", "component", component, "name", name)
	}
	r.open[key] = ts

	r.events = append(r.events, Event{
		Name: name,
		Ph:   "B",
		TS:   ts,
		PID:  r.pid,
		TID:  r.tid(component),
		Args: args,
	})
}

// SpanEnd records the end of a named span on component.
func (r *Recorder) SpanEnd(component, name string, args map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := openSpan{component, name}
	ts := clock.NowUS()
	if _, ok := r.open[key]; !ok {
		r.log.Warn("trace: span_end with no matching span_begin", "component", component, "name", name)
	} else {
		delete(r.open, key)
	}

	r.events = append(r.events, Event{
		Name: name,
		Ph:   "E",
		TS:   ts,
		PID:  r.pid,
		TID:  r.tid(component),
		Args: args,
	})
}

// Counter records an instantaneous value sample on component.
func (r *Recorder) Counter(component, name string, value float64, args map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := map[string]any{"value": value}
	for k, v := range args {
		merged[k] = v
	}

	r.events = append(r.events, Event{
		Name: name,
		Ph:   "C",
		TS:   clock.NowUS(),
		PID:  r.pid,
		TID:  r.tid(component),
		Args: merged,
	})
}

// Events returns a snapshot copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ExportJSON marshals the recorded events as a Chrome trace-event JSON
// array.
func (r *Recorder) ExportJSON() ([]byte, error) {
	events := r.Events()
	b, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("trace: marshal events: %w", err)
	}
	return b, nil
}

// Export writes the trace-event JSON array to path, creating parent
// directories as needed.
func (r *Recorder) Export(path string) error {
	b, err := r.ExportJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("trace: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("trace: write %s: %w", path, err)
	}
	return nil
}
