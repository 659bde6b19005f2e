// Package session implements the voice-assistant session state machine:
// the single goroutine that drives one session's timeline from
// wake-detection through speech synthesis, publishing every stage as an
// event envelope, per §4.H. Structural idiom (collaborators held by
// interface, mutex-guarded mutable runtime selections, constructor
// injection of logger/bus/adapters) is grounded on the teacher's
// internal/agent/loop.go; the timeline itself is grounded directly on
// original_source/.../engine.py:VoiceEngine.start_sim_session.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jtholman/voxcore/internal/adapters"
	"github.com/jtholman/voxcore/internal/cas"
	"github.com/jtholman/voxcore/internal/clock"
	"github.com/jtholman/voxcore/internal/config"
	"github.com/jtholman/voxcore/internal/events"
	"github.com/jtholman/voxcore/internal/manifest"
	"github.com/jtholman/voxcore/internal/trace"
)

// State is one state in the session state machine of §3.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateReasoning    State = "reasoning"
	StateSpeaking     State = "speaking"
	StateCancelling   State = "cancelling"
	StateEnded        State = "ended"
)

// Selections holds the mutable runtime backend/profile selections a
// session reads when it starts, mirroring the VoiceEngine instance
// fields (_llm_backend, _llm_profile, _stt_profile, _tts_voice,
// _vad_profile) that commands mutate between sessions.
type Selections struct {
	LLMBackend string
	LLMProfile string
	STTProfile string
	TTSVoice   string
	VADProfile string
}

// Orchestrator drives session timelines. Only one session may run at a
// time; StartSession on a busy Orchestrator is a no-op that emits
// session_busy, per §4.H.
type Orchestrator struct {
	logger *slog.Logger
	bus    *events.Bus
	cfg    *config.Config

	stt adapters.STT
	tts adapters.TTS
	llm adapters.LLM

	casStore *cas.Store
	manifest *manifest.Writer
	runsDir  string

	mu             sync.Mutex
	state          State
	currentSession string
	cancel         *adapters.CancelToken
	sel            Selections
	devCtx         devContext
}

// devContext is the orchestrator's private copy of the last set_dev_context
// command: the text itself stays here (and is handed to the LLM adapter as
// part of the prompt) but never leaves the process as an event or manifest
// field, per §4.L — only mode and byte length do.
type devContext struct {
	text       string
	mode       string // "once" or "persistent"
	autoAttach bool
}

// New constructs an Orchestrator. logger, bus, cfg, and the three adapters
// are required collaborators; casStore and manifestWriter back artifact
// persistence at session end.
func New(logger *slog.Logger, bus *events.Bus, cfg *config.Config, stt adapters.STT, tts adapters.TTS, llm adapters.LLM, casStore *cas.Store, manifestWriter *manifest.Writer, runsDir string) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:   logger.With("component", "orchestrator"),
		bus:      bus,
		cfg:      cfg,
		stt:      stt,
		tts:      tts,
		llm:      llm,
		casStore: casStore,
		manifest: manifestWriter,
		runsDir:  runsDir,
		state:    StateIdle,
		cancel:   adapters.NewCancelToken(),
		sel: Selections{
			LLMBackend: cfg.LLM.Backend,
			LLMProfile: cfg.LLM.ActiveProfile,
			STTProfile: cfg.STT.ActiveProfile,
			TTSVoice:   cfg.TTS.DefaultVoice,
			VADProfile: "chat",
		},
	}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentSession returns the id of the in-flight session, or "" if idle.
func (o *Orchestrator) CurrentSession() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentSession
}

// Selections returns a copy of the current runtime selections.
func (o *Orchestrator) Selections() Selections {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sel
}

// SetDevContext replaces the developer-context blob and attachment mode,
// per §4.I's set_dev_context command. mode "once" is cleared automatically
// at the end of the next session, whether or not that session attached it
// (autoAttach false); "persistent" survives
// across sessions until replaced.
func (o *Orchestrator) SetDevContext(text, mode string, autoAttach bool) {
	if mode == "" {
		mode = "once"
	}
	o.mu.Lock()
	o.devCtx = devContext{text: text, mode: mode, autoAttach: autoAttach}
	o.mu.Unlock()
}

// DevContext returns the currently attached developer-context blob, mode,
// and auto-attach flag, plus whether one is set at all. Intended for tests
// and diagnostics; production code never inspects the text.
func (o *Orchestrator) DevContext() (text, mode string, autoAttach, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.devCtx.mode == "" {
		return "", "", false, false
	}
	return o.devCtx.text, o.devCtx.mode, o.devCtx.autoAttach, true
}

// SetSelections replaces the current runtime selections in full.
// Individual command handlers read-modify-write through this to keep the
// mutation atomic under o.mu.
func (o *Orchestrator) SetSelections(fn func(Selections) Selections) Selections {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sel = fn(o.sel)
	return o.sel
}

func (o *Orchestrator) emit(sessionID, component, typ string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	o.bus.Publish(events.Envelope{
		SchemaVersion: events.SchemaVersion,
		EventID:       clock.NewID(),
		SessionID:     sessionID,
		TSUnixMS:      clock.NowMS(),
		Component:     component,
		Type:          typ,
		Payload:       payload,
	})
}

// StartSession begins a new sim-fixture-timed session if the orchestrator
// is idle; if a session is already running, it emits session_busy and
// returns the existing session id without starting a second one, per
// §4.H. The timeline runs on a new goroutine; StartSession returns as
// soon as the session id is allocated, mirroring the original's
// fire-and-await-bus-publish behavior translated to Go's
// publish-and-return-immediately Bus.
func (o *Orchestrator) StartSession(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		busy := o.currentSession
		o.mu.Unlock()
		o.emit(busy, "system", "session_busy", map[string]any{"session_id": busy})
		return busy, nil
	}

	sessionID := clock.NewID()
	o.currentSession = sessionID
	o.state = StateListening
	o.cancel = adapters.NewCancelToken()
	sel := o.sel
	devCtx := o.devCtx
	o.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	tr := trace.NewRecorder(1, o.logger)
	go o.runTimeline(ctx, sessionID, sel, devCtx, tr)

	return sessionID, nil
}

// Cancel flips the one-shot cancel latch for the in-flight session and
// publishes cancel_request, safe to call from any goroutine (the gateway's
// command reader, a test), per §4.H. Used by stop/cancel and
// test_barge_in, which want the cancel_request event on the wire. It does
// nothing when no session is running.
func (o *Orchestrator) Cancel(reason string) {
	sessionID, cancel := o.cancelLatch()
	if sessionID == "" {
		return
	}
	o.emit(sessionID, "system", "cancel_request", map[string]any{"reason": reason})
	cancel.Cancel()
}

// CancelSilently flips the cancel latch without publishing cancel_request,
// for commands (mute, sleep) that emit their own terminal event instead,
// per §4.I — the original sets the latch directly in these handlers
// without going through the cancel_request broadcast path.
func (o *Orchestrator) CancelSilently() {
	sessionID, cancel := o.cancelLatch()
	if sessionID == "" {
		return
	}
	cancel.Cancel()
}

func (o *Orchestrator) cancelLatch() (string, *adapters.CancelToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentSession, o.cancel
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.state = StateIdle
	o.currentSession = ""
	o.mu.Unlock()
}

// runTimeline reproduces VoiceEngine.start_sim_session's exact event
// sequence and payload shapes.
func (o *Orchestrator) runTimeline(ctx context.Context, sessionID string, sel Selections, devCtx devContext, tr *trace.Recorder) {
	defer o.finish()

	startedAt := clock.NowMS()

	o.emit(sessionID, "system", "session_start", map[string]any{
		"llm_backend": sel.LLMBackend,
		"llm_profile": sel.LLMProfile,
	})

	o.emit(sessionID, "audio", "audio_device_changed", map[string]any{
		"input":          "default",
		"output":         "default",
		"backend":        o.cfg.Audio.Backend,
		"sample_rate_hz": o.cfg.Audio.SampleRateHz,
	})

	agcMode := "off"
	if o.cfg.DSP.AGC.Enabled {
		agcMode = o.cfg.DSP.AGC.Mode
	}
	o.emit(sessionID, "dsp", "dsp_state", map[string]any{
		"aec_on":          o.cfg.DSP.AEC.Enabled,
		"ns_level":        o.cfg.DSP.NS.Level,
		"agc_mode":        agcMode,
		"echo_likelihood": 0.12,
	})

	vadProf, _ := o.cfg.VAD.Profile(sel.VADProfile)
	o.emit(sessionID, "vad", "vad_state", map[string]any{
		"profile":            sel.VADProfile,
		"min_speech_ms":      vadProf.MinSpeechMS,
		"end_silence_ms":     vadProf.EndSilenceMS,
		"continue_window_ms": vadProf.ContinueWindowMS,
	})

	if devCtx.autoAttach && devCtx.text != "" {
		o.emit(sessionID, "devctx", "dev_context_attached", map[string]any{
			"bytes": len(devCtx.text),
			"mode":  devCtx.mode,
		})
	}

	tr.SpanBegin("system", "session", nil)

	cancel := o.currentCancelToken()

	tr.SpanBegin("wake", "wakeword", nil)
	o.emit(sessionID, "wake", "wake_detected", map[string]any{"word": o.wakeWord(), "confidence": 0.92})
	tr.SpanEnd("wake", "wakeword", nil)

	tr.SpanBegin("vad", "vad", nil)
	o.emit(sessionID, "vad", "vad_start", map[string]any{"profile": sel.VADProfile})
	o.setState(StateListening)
	for i := 0; i < 20; i++ {
		if cancel.IsCancelled() {
			break
		}
		o.emit(sessionID, "audio", "audio_level", map[string]any{"rms": 0.05 + float64(i)*0.01})
	}
	o.emit(sessionID, "vad", "vad_end", map[string]any{"speech_ms": 420})
	tr.SpanEnd("vad", "vad", nil)

	if cancel.IsCancelled() {
		tr.SpanEnd("system", "session", nil)
		o.endCancelled(sessionID, devCtx, "barge_in", tr)
		return
	}

	o.setState(StateTranscribing)
	tr.SpanBegin("stt", "stt", nil)
	transcript := o.runSTT(ctx, sessionID, sel)
	tr.SpanEnd("stt", "stt", nil)

	tr.SpanBegin("router", "router", nil)
	o.emit(sessionID, "router", "router_decision", map[string]any{"mode": "chat", "why": []string{"no hard command"}})
	tr.SpanEnd("router", "router", nil)

	o.setState(StateReasoning)
	tr.SpanBegin("llm", "llm", nil)
	tokens := o.runLLM(ctx, sessionID, sel, devCtx, transcript, cancel)
	o.emit(sessionID, "llm", "llm_done", map[string]any{"tokens": tokens, "backend": sel.LLMBackend, "profile": sel.LLMProfile})
	tr.SpanEnd("llm", "llm", nil)

	if cancel.IsCancelled() {
		tr.SpanEnd("system", "session", nil)
		o.endCancelled(sessionID, devCtx, "user_stop", tr)
		return
	}

	o.setState(StateSpeaking)
	tr.SpanBegin("tts", "tts", nil)
	o.emit(sessionID, "tts", "tts_start", map[string]any{"voice": sel.TTSVoice})
	o.runTTS(ctx, sessionID, cancel)
	reason := "done"
	if cancel.IsCancelled() {
		reason = "cancel"
	}
	o.emit(sessionID, "tts", "tts_stop", map[string]any{"reason": reason})
	tr.SpanEnd("tts", "tts", nil)

	if cancel.IsCancelled() {
		tr.SpanEnd("system", "session", nil)
		o.endCancelled(sessionID, devCtx, "user_stop", tr)
		return
	}

	endedAt := clock.NowMS()
	o.emit(sessionID, "system", "session_end", nil)
	o.setState(StateEnded)
	tr.SpanEnd("system", "session", nil)

	o.consumeOnceDevContext(devCtx)
	o.writeArtifacts(sessionID, sel, devCtx, startedAt, endedAt, tr, false)
}

// consumeOnceDevContext clears the orchestrator's stored dev-context blob
// once a "once"-mode attachment has been used by the session it was
// snapshotted into, so it is not replayed into the next session, per §4.L.
func (o *Orchestrator) consumeOnceDevContext(used devContext) {
	if used.mode != "once" || used.text == "" {
		return
	}
	o.mu.Lock()
	if o.devCtx == used {
		o.devCtx = devContext{}
	}
	o.mu.Unlock()
}

// runLLM streams the configured backend's response chunks, honoring
// cancellation, and returns the final token count. The dev-context blob
// (if attached) is folded into the prompt but never appears in any event
// or manifest field, per §4.L.
func (o *Orchestrator) runLLM(ctx context.Context, sessionID string, sel Selections, devCtx devContext, transcript string, cancel *adapters.CancelToken) int {
	if o.llm == nil {
		return 0
	}
	req := adapters.GenerateRequest{
		SessionID: sessionID,
		Backend:   sel.LLMBackend,
		Profile:   sel.LLMProfile,
		Model:     o.llmModel(sel),
		Prompt:    transcript,
	}
	if devCtx.autoAttach && devCtx.text != "" {
		req.History = append(req.History, adapters.Message{Role: "system", Content: devCtx.text})
	}
	chunks, result, err := o.llm.Generate(ctx, req)
	if err != nil {
		o.logger.Warn("llm generate failed", "error", err)
		return 0
	}

	for chunk := range chunks {
		if cancel.IsCancelled() {
			o.llm.Cancel(sessionID)
			break
		}
		o.emit(sessionID, "llm", "llm_stream_chunk", map[string]any{"text": chunk})
	}
	return result().Tokens
}

// llmModel resolves the model name a backend adapter should be given: the
// active profile's configured model, falling back to the configured
// llm.ollama.model when the profile is unknown or leaves its model unset.
func (o *Orchestrator) llmModel(sel Selections) string {
	if prof, ok := o.cfg.LLM.Profiles[sel.LLMProfile]; ok && prof.Model != "" {
		return prof.Model
	}
	return o.cfg.LLM.Ollama.Model
}

// runSTT drains the configured STT adapter's transcript stream, emitting
// stt_partial for every intermediate chunk and stt_final for the closing
// one, per §4.G's "exactly one is_final=true per closed utterance".
func (o *Orchestrator) runSTT(ctx context.Context, sessionID string, sel Selections) string {
	if o.stt == nil {
		return ""
	}
	chunks, err := o.stt.TranscribeStream(ctx, nil)
	if err != nil {
		o.logger.Warn("stt transcribe failed", "error", err)
		return ""
	}
	var final string
	for c := range chunks {
		if c.IsFinal {
			final = c.Text
			o.emit(sessionID, "stt", "stt_final", map[string]any{"text": c.Text, "confidence": c.Confidence, "profile": sel.STTProfile})
		} else {
			o.emit(sessionID, "stt", "stt_partial", map[string]any{"text": c.Text, "profile": sel.STTProfile})
		}
	}
	return final
}

// runTTS drains the configured TTS adapter's audio stream, emitting
// tts_chunk and audio_level_out per blob, stopping promptly on
// cancellation via the adapter's own Stop contract.
func (o *Orchestrator) runTTS(ctx context.Context, sessionID string, cancel *adapters.CancelToken) {
	if o.tts == nil {
		return
	}
	chunks, err := o.tts.SynthesizeStream(ctx, nil)
	if err != nil {
		o.logger.Warn("tts synthesize failed", "error", err)
		return
	}
	i := 0
	for range chunks {
		if cancel.IsCancelled() {
			o.tts.Stop()
			break
		}
		o.emit(sessionID, "tts", "tts_chunk", map[string]any{"pcm_ms": 40})
		o.emit(sessionID, "audio", "audio_level_out", map[string]any{"rms": 0.06 + float64(i%5)*0.01})
		i++
	}
}

func (o *Orchestrator) endCancelled(sessionID string, devCtx devContext, reason string, tr *trace.Recorder) {
	o.emit(sessionID, "system", "cancel_done", map[string]any{"reason": reason})
	o.emit(sessionID, "system", "session_end", nil)
	o.setState(StateEnded)

	o.consumeOnceDevContext(devCtx)
	sel := o.Selections()
	now := clock.NowMS()
	o.writeArtifacts(sessionID, sel, devCtx, now, now, tr, true)
}

// fallbackWakeWord is reported by wake_detected when set_wake_words has
// left the configured word list empty, matching the original's use of a
// fixed placeholder rather than indexing into a possibly-empty list
// (engine.py's wake_detected payload is a constant, never a list lookup).
const fallbackWakeWord = "voxcore"

// wakeWord returns the first configured wake word, or fallbackWakeWord if
// none are configured, per §7's "no panics on valid input" (set_wake_words
// can leave the list empty).
func (o *Orchestrator) wakeWord() string {
	if len(o.cfg.WakeWord.Words) > 0 {
		return o.cfg.WakeWord.Words[0]
	}
	return fallbackWakeWord
}

func (o *Orchestrator) currentCancelToken() *adapters.CancelToken {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel
}

// writeArtifacts persists the transcripts, trace export, and config
// snapshot through the CAS store and writes the run manifest, mirroring
// the original's end-of-session artifact block exactly (transcripts,
// trace, config, in that order), then emits run_manifest_written.
func (o *Orchestrator) writeArtifacts(sessionID string, sel Selections, devCtx devContext, startedAt, endedAt int64, tr *trace.Recorder, failed bool) {
	if o.casStore == nil || o.manifest == nil {
		return
	}

	artifacts := map[string]string{}

	transcripts := map[string]string{"user": "wie geht es dir", "assistant": "Mir geht es gut. Was brauchst du?"}
	transcriptsJSON, err := json.Marshal(transcripts)
	if err != nil {
		o.logger.Error("marshal transcripts", "error", err)
		return
	}
	trHash, err := o.casStore.Put(transcriptsJSON)
	if err != nil {
		o.logger.Error("cas put transcripts", "error", err)
		return
	}
	artifacts["transcripts_json_sha256"] = trHash

	traceJSON, err := tr.ExportJSON()
	if err != nil {
		o.logger.Error("export trace", "error", err)
		return
	}
	tracePath := manifest.TracePath(o.runsDir, sessionID, time.Now())
	if err := tr.Export(tracePath); err != nil {
		o.logger.Error("write trace file", "error", err)
		return
	}
	traceHash, err := o.casStore.Put(traceJSON)
	if err != nil {
		o.logger.Error("cas put trace", "error", err)
		return
	}
	artifacts["trace_json_sha256"] = traceHash

	if o.cfg != nil {
		snap, err := o.cfg.Snapshot()
		if err == nil {
			snapJSON, err := json.Marshal(snap)
			if err == nil {
				cfgHash, err := o.casStore.Put(snapJSON)
				if err == nil {
					artifacts["config_json_sha256"] = cfgHash
				}
			}
		}
	}

	m := manifest.Manifest{
		SessionID:   sessionID,
		StartedAtMS: startedAt,
		EndedAtMS:   endedAt,
		Profiles: manifest.Profiles{
			LLMBackend: sel.LLMBackend,
			LLMProfile: sel.LLMProfile,
			STTProfile: sel.STTProfile,
			TTSVoice:   sel.TTSVoice,
			VADProfile: sel.VADProfile,
		},
		Failed:    failed,
		Artifacts: artifacts,
	}
	if devCtx.autoAttach && devCtx.text != "" {
		m.DevContext = &manifest.DevContext{Mode: devCtx.mode, Bytes: len(devCtx.text)}
	}

	path, err := o.manifest.Write(o.runsDir, sessionID, m)
	if err != nil {
		o.logger.Error("write manifest", "error", err)
		return
	}

	o.emit(sessionID, "system", "run_manifest_written", map[string]any{"path": path, "trace_sha256": artifacts["trace_json_sha256"]})
}
