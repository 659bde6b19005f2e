// Package relay implements the split-mode gateway of §4.K: the same two
// WebSocket endpoints as internal/gateway, but with no session
// orchestrator behind them — inbound commands are mapped straight to a
// static table of outbound events. This is a direct Go port of
// original_source/backend/relay/relay.py, kept in its own binary/mode
// per §9's "genuine alternate entrypoint" supplement rather than folded
// into the gateway, matching relay.py being a free-standing script in
// the original.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jtholman/voxcore/internal/events"
)

// EventTemplate is one entry in a command's mapped-events list: a bare
// event type and an optional base payload, merged with the inbound
// command's payload before broadcast, per §4.K.
type EventTemplate struct {
	Type    string
	Payload map[string]any
}

// cmdEvents is CMD_EVENTS from relay.py: each inbound command type maps
// to zero or more events to broadcast, payload-merged with the command.
var cmdEvents = map[string][]EventTemplate{
	"start_sim": {{Type: "session_start"}, {Type: "vad_start"}},
	"stop":      {{Type: "tts_stop"}, {Type: "session_end"}},
	"mute":      {{Type: "muted"}},
	"sleep":     {{Type: "sleep_ack"}, {Type: "session_end"}},
	"ptt_start": {{Type: "vad_start"}},
	"ptt_stop":  {{Type: "stt_final", Payload: map[string]any{"text": "", "confidence": 1.0}}},
}

// cmdEcho is CMD_ECHO: commands broadcast verbatim as an event of the
// same type, in addition to any cmdEvents mapping.
var cmdEcho = map[string]bool{
	"set_routing_mode":    true,
	"set_console_mode":    true,
	"set_llm_backend":     true,
	"set_llm_profile":     true,
	"set_wake_words":      true,
	"set_skill_allowlist": true,
	"watchdog_restart":    true,
	"mark_golden":         true,
	"cancel_request":      true,
}

// Relay owns an in-memory subscriber set and broadcasts events derived
// from the static command table above. It holds no orchestrator state.
type Relay struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex // per-connection write lock
}

// New constructs an empty Relay.
func New(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Mux builds the relay's route table, mirroring gateway.Gateway.Mux so
// both modes are drop-in alternatives on the same CLI flag.
func (rl *Relay) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/events", rl.handleEvents)
	mux.HandleFunc("/ws/command", rl.handleCommand)
	mux.HandleFunc("/", rl.handleUnknownPath)
	return mux
}

func (rl *Relay) handleUnknownPath(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown path: "+r.URL.Path),
		time.Now().Add(time.Second))
	conn.Close()
}

func (rl *Relay) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Debug("events upgrade failed", "error", err)
		return
	}
	connID := uuid.New().String()
	defer conn.Close()

	rl.register(conn)
	defer rl.unregister(conn)
	rl.logger.Info("events client connected", "conn_id", connID, "total", rl.subscriberCount())

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			rl.logger.Info("events client gone", "conn_id", connID, "total", rl.subscriberCount()-1)
			return
		}
	}
}

func (rl *Relay) handleCommand(w http.ResponseWriter, r *http.Request) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Debug("command upgrade failed", "error", err)
		return
	}
	connID := uuid.New().String()
	defer conn.Close()
	rl.logger.Info("command client connected", "conn_id", connID)

	var writeMu sync.Mutex
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			rl.logger.Info("command client gone", "conn_id", connID)
			return
		}

		var cmd events.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		rl.logger.Info("cmd", "type", cmd.Type, "payload", cmd.Payload)

		for _, tmpl := range cmdEvents[cmd.Type] {
			rl.broadcast(tmpl.Type, mergePayload(tmpl.Payload, cmd.Payload))
		}
		if cmdEcho[cmd.Type] {
			rl.broadcast(cmd.Type, cmd.Payload)
		}

		ack, _ := json.Marshal(map[string]any{"ok": true, "type": cmd.Type})
		writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, ack)
		writeMu.Unlock()
	}
}

func mergePayload(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func (rl *Relay) register(conn *websocket.Conn) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.clients[conn] = &sync.Mutex{}
}

func (rl *Relay) unregister(conn *websocket.Conn) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, conn)
}

func (rl *Relay) subscriberCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// broadcast sends {"type": typ, "payload": payload} to every registered
// events subscriber, dropping any connection whose send fails, mirroring
// relay.py's broadcast()/dead-set cleanup.
func (rl *Relay) broadcast(typ string, payload map[string]any) {
	rl.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(rl.clients))
	for conn, lock := range rl.clients {
		targets[conn] = lock
	}
	rl.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	if err != nil {
		rl.logger.Error("marshal broadcast event", "error", err)
		return
	}

	var dead []*websocket.Conn
	for conn, lock := range targets {
		lock.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		lock.Unlock()
		if err != nil {
			dead = append(dead, conn)
		}
	}
	if len(dead) > 0 {
		rl.mu.Lock()
		for _, conn := range dead {
			delete(rl.clients, conn)
		}
		rl.mu.Unlock()
	}
}
