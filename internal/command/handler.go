// Package command implements the inbound command dispatch table of §4.I:
// one handler function per command type, registered in a
// map[string]func(...) the way the teacher's tool registry dispatches by
// name, acting on a session.Orchestrator and broadcasting state-change
// events on the shared bus. Exact per-command payload and event shapes are
// grounded directly on
// original_source/.../engine.py:VoiceEngine.handle_command.
package command

import (
	"context"
	"log/slog"

	"github.com/jtholman/voxcore/internal/clock"
	"github.com/jtholman/voxcore/internal/config"
	"github.com/jtholman/voxcore/internal/events"
	"github.com/jtholman/voxcore/internal/session"
)

// Ack is the acknowledgement frame sent back to the command's sender.
// Every command is acknowledged, including unknown types, per §4.I.
type Ack struct {
	OK   bool   `json:"ok"`
	Type string `json:"type"`
}

// Handler dispatches inbound commands to the orchestrator and config,
// broadcasting the resulting state-change events.
type Handler struct {
	logger *slog.Logger
	bus    *events.Bus
	orch   *session.Orchestrator
	cfg    *config.Config

	table map[string]func(context.Context, events.Command) string
}

// New constructs a Handler wired to orch (for session lifecycle and
// runtime selections) and cfg (for mutable runtime config like wake
// words and skill allowlist).
func New(logger *slog.Logger, bus *events.Bus, orch *session.Orchestrator, cfg *config.Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger.With("component", "command"), bus: bus, orch: orch, cfg: cfg}
	h.table = map[string]func(context.Context, events.Command) string{
		"start_sim":           h.handleStartSim,
		"stop":                h.handleStopCancel,
		"cancel":              h.handleStopCancel,
		"mute":                h.handleMute,
		"sleep":               h.handleSleep,
		"ptt_start":           h.handlePTTStart,
		"ptt_stop":            h.handlePTTStop,
		"set_llm_backend":     h.handleSetLLMBackend,
		"set_llm_profile":     h.handleSetLLMProfile,
		"set_stt_profile":     h.handleSetSTTProfile,
		"set_tts_voice":       h.handleSetTTSVoice,
		"set_ollama_model":    h.handleSetOllamaModel,
		"set_vad_profile":     h.handleSetVADProfile,
		"set_dsp_mode":        h.handleSetDSPMode,
		"set_wake_words":      h.handleSetWakeWords,
		"set_skill_allowlist": h.handleSetSkillAllowlist,
		"set_routing_mode":    h.handleSetRoutingMode,
		"set_console_mode":    h.handleSetConsoleMode,
		"set_dev_context":     h.handleSetDevContext,
		"watchdog_restart":    h.handleWatchdogRestart,
		"mark_golden":         h.handleMarkGolden,
		"test_barge_in":       h.handleTestBargeIn,
		"raise_error":         h.handleRaiseError,
		"orb_frame_stats":     h.handleOrbFrameStats,
	}
	return h
}

// Handle dispatches cmd and returns the acknowledgement frame. Unknown
// command types are ignored (no state change) but still acknowledged,
// per §4.I/§7.
func (h *Handler) Handle(ctx context.Context, cmd events.Command) Ack {
	fn, ok := h.table[cmd.Type]
	if !ok {
		h.logger.Debug("unknown command type", "type", cmd.Type)
		return Ack{OK: true, Type: cmd.Type}
	}
	fn(ctx, cmd)
	return Ack{OK: true, Type: cmd.Type}
}

func str(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return v
}

func boolVal(payload map[string]any, key string, def bool) bool {
	if payload == nil {
		return def
	}
	v, ok := payload[key].(bool)
	if !ok {
		return def
	}
	return v
}

func (h *Handler) sessionOrNew() string {
	if sid := h.orch.CurrentSession(); sid != "" {
		return sid
	}
	return clock.NewID()
}

func (h *Handler) emit(sessionID, component, typ string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	h.bus.Publish(events.Envelope{
		SchemaVersion: events.SchemaVersion,
		EventID:       clock.NewID(),
		SessionID:     sessionID,
		TSUnixMS:      clock.NowMS(),
		Component:     component,
		Type:          typ,
		Payload:       payload,
	})
}

func (h *Handler) handleStartSim(ctx context.Context, cmd events.Command) string {
	sid, err := h.orch.StartSession(ctx)
	if err != nil {
		h.logger.Warn("start_sim failed", "error", err)
	}
	return sid
}

func (h *Handler) handleStopCancel(ctx context.Context, cmd events.Command) string {
	h.orch.Cancel("user_stop")
	return ""
}

func (h *Handler) handleMute(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	h.orch.CancelSilently()
	h.emit(sid, "system", "muted", map[string]any{"reason": "user_mute"})
	return ""
}

func (h *Handler) handleSleep(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	h.orch.CancelSilently()
	h.emit(sid, "system", "sleep_ack", nil)
	h.emit(sid, "system", "session_end", nil)
	return ""
}

func (h *Handler) handlePTTStart(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	h.emit(sid, "vad", "vad_start", map[string]any{"profile": h.orch.Selections().VADProfile, "source": "ptt"})
	return ""
}

func (h *Handler) handlePTTStop(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	h.emit(sid, "vad", "vad_end", map[string]any{"speech_ms": 0, "source": "ptt"})
	h.emit(sid, "stt", "stt_final", map[string]any{"text": "", "confidence": 1.0, "profile": h.orch.Selections().STTProfile})
	return ""
}

func (h *Handler) handleSetLLMBackend(ctx context.Context, cmd events.Command) string {
	backend := str(cmd.Payload, "backend")
	if backend != "sim" && backend != "ollama" {
		return ""
	}
	h.orch.SetSelections(func(s session.Selections) session.Selections {
		s.LLMBackend = backend
		return s
	})
	return ""
}

func (h *Handler) handleSetLLMProfile(ctx context.Context, cmd events.Command) string {
	profile := str(cmd.Payload, "profile")
	if _, ok := h.cfg.LLM.Profiles[profile]; !ok {
		return ""
	}
	h.orch.SetSelections(func(s session.Selections) session.Selections {
		s.LLMProfile = profile
		return s
	})
	return ""
}

func (h *Handler) handleSetSTTProfile(ctx context.Context, cmd events.Command) string {
	profile := str(cmd.Payload, "profile")
	if _, ok := h.cfg.STT.Profiles[profile]; !ok {
		return ""
	}
	h.orch.SetSelections(func(s session.Selections) session.Selections {
		s.STTProfile = profile
		return s
	})
	return ""
}

func (h *Handler) handleSetTTSVoice(ctx context.Context, cmd events.Command) string {
	voice := str(cmd.Payload, "voice")
	if voice == "" {
		return ""
	}
	h.orch.SetSelections(func(s session.Selections) session.Selections {
		s.TTSVoice = voice
		return s
	})
	return ""
}

func (h *Handler) handleSetOllamaModel(ctx context.Context, cmd events.Command) string {
	model := str(cmd.Payload, "model")
	if model == "" {
		return ""
	}
	h.cfg.LLM.Ollama.Model = model
	return ""
}

func (h *Handler) handleSetVADProfile(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	profile := str(cmd.Payload, "profile")
	if profile == "" {
		profile = "chat"
	}
	prof, known := h.cfg.VAD.Profile(profile)
	if !known {
		return ""
	}
	h.orch.SetSelections(func(s session.Selections) session.Selections {
		s.VADProfile = profile
		return s
	})
	h.emit(sid, "vad", "vad_state", map[string]any{
		"profile":            profile,
		"min_speech_ms":      prof.MinSpeechMS,
		"end_silence_ms":     prof.EndSilenceMS,
		"continue_window_ms": prof.ContinueWindowMS,
	})
	return ""
}

func (h *Handler) handleSetDSPMode(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	mode := str(cmd.Payload, "mode")
	if mode == "" {
		mode = h.cfg.DSP.Mode
	}
	h.cfg.DSP.Mode = mode
	agcMode := "off"
	if h.cfg.DSP.AGC.Enabled {
		agcMode = h.cfg.DSP.AGC.Mode
	}
	h.emit(sid, "dsp", "dsp_state", map[string]any{
		"aec_on":          h.cfg.DSP.AEC.Enabled,
		"ns_level":        h.cfg.DSP.NS.Level,
		"agc_mode":        agcMode,
		"echo_likelihood": 0.0,
		"mode":            mode,
	})
	return ""
}

func (h *Handler) handleSetWakeWords(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	if raw, ok := cmd.Payload["words"].([]any); ok {
		words := make([]string, 0, len(raw))
		for _, w := range raw {
			if s, ok := w.(string); ok && s != "" {
				words = append(words, s)
			}
		}
		h.cfg.WakeWord.Words = words
	}
	h.emit(sid, "system", "wake_words_updated", map[string]any{"words": h.cfg.WakeWord.Words})
	return ""
}

func (h *Handler) handleSetSkillAllowlist(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	if raw, ok := cmd.Payload["allowlist"].([]any); ok {
		allowlist := make([]string, 0, len(raw))
		for _, a := range raw {
			if s, ok := a.(string); ok && s != "" {
				allowlist = append(allowlist, s)
			}
		}
		h.cfg.Skills.Allowlist = allowlist
	}
	if raw, ok := cmd.Payload["permissions"].(map[string]any); ok {
		if h.cfg.Skills.Permissions == nil {
			h.cfg.Skills.Permissions = map[string]string{}
		}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				h.cfg.Skills.Permissions[k] = s
			}
		}
	}
	h.emit(sid, "system", "skill_allowlist_updated", map[string]any{
		"allowlist":   h.cfg.Skills.Allowlist,
		"permissions": h.cfg.Skills.Permissions,
	})
	return ""
}

func (h *Handler) handleSetRoutingMode(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	mode := str(cmd.Payload, "mode")
	if mode == "" {
		mode = "GEMINI"
	}
	h.emit(sid, "system", "set_routing_mode", map[string]any{"mode": mode})
	return ""
}

func (h *Handler) handleSetConsoleMode(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	mode := str(cmd.Payload, "mode")
	if mode == "" {
		mode = "cli"
	}
	h.emit(sid, "system", "set_console_mode", map[string]any{"mode": mode})
	return ""
}

// handleSetDevContext replaces the orchestrator's dev-context blob and
// attachment mode. The blob itself lives only in the orchestrator from
// here on; the handler never retains a copy, per §4.L.
func (h *Handler) handleSetDevContext(ctx context.Context, cmd events.Command) string {
	text := str(cmd.Payload, "text")
	mode := str(cmd.Payload, "mode")
	autoAttach := boolVal(cmd.Payload, "auto_attach", true)
	h.orch.SetDevContext(text, mode, autoAttach)
	return ""
}

func (h *Handler) handleWatchdogRestart(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	component := str(cmd.Payload, "component")
	if component == "" {
		component = "llm_bridge"
	}
	reason := str(cmd.Payload, "reason")
	if reason == "" {
		reason = "manual"
	}
	h.emit(sid, "system", "watchdog_restart", map[string]any{"component": component, "reason": reason})
	return ""
}

func (h *Handler) handleMarkGolden(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	h.emit(sid, "system", "golden_marked", map[string]any{"session_id": sid})
	return ""
}

func (h *Handler) handleTestBargeIn(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	if h.orch.CurrentSession() == "" {
		// Orchestrator.Cancel publishes cancel_request only for a running
		// session, so publish it here when idle.
		h.emit(sid, "system", "cancel_request", map[string]any{"reason": "barge_in_test"})
	}
	h.orch.Cancel("barge_in_test")
	h.emit(sid, "system", "cancel_done", map[string]any{"reason": "barge_in_test"})
	return ""
}

func (h *Handler) handleRaiseError(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	h.emit(sid, "system", "error_raised", map[string]any{"component": "system", "code": "SIM_ERROR"})
	return ""
}

func (h *Handler) handleOrbFrameStats(ctx context.Context, cmd events.Command) string {
	sid := h.sessionOrNew()
	h.emit(sid, "orb", "orb_frame_stats", cmd.Payload)
	return ""
}
