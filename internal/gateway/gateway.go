// Package gateway serves the two WebSocket endpoints of §4.J/§6 on one
// net/http mux: /ws/events fans out the bus to subscribers, /ws/command
// accepts inbound commands and dispatches them through the command
// Handler. HTTP server construction (explicit Read/WriteTimeout, a
// withLogging middleware) is grounded on the teacher's
// internal/api/server.go; the per-connection read-loop/write-mutex idiom
// is grounded on the teacher's internal/homeassistant/websocket.go, the
// only other place in the teacher that touches gorilla/websocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jtholman/voxcore/internal/command"
	"github.com/jtholman/voxcore/internal/events"
)

// Config controls gateway listen settings and optional autostart.
type Config struct {
	Address   string
	Port      int
	Autostart bool
}

// Gateway owns the HTTP server fronting /ws/events and /ws/command.
type Gateway struct {
	cfg      Config
	bus      *events.Bus
	handler  *command.Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	autostartFired bool
}

// New constructs a Gateway bound to bus for event fan-out and handler for
// command dispatch.
func New(cfg Config, bus *events.Bus, handler *command.Handler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		bus:     bus,
		handler: handler,
		logger:  logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux builds the route table for the two WebSocket endpoints plus the
// policy-violation fallback for unknown paths, wrapped in the logging
// middleware. Exposed separately from Start so tests can serve it from
// an httptest.Server instead of a bound TCP port.
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/events", g.handleEvents)
	mux.HandleFunc("/ws/command", g.handleCommand)
	mux.HandleFunc("/", g.handleUnknownPath)
	return g.withLogging(mux)
}

// Start serves HTTP until ctx is cancelled or the listener fails. It
// blocks like http.Server.ListenAndServe.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", g.cfg.Address, g.cfg.Port),
		Handler:      g.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams are long-lived
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.server.Shutdown(shutdownCtx)
	}()

	addr := g.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	g.logger.Info("starting gateway", "address", addr, "port", g.cfg.Port)
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *Gateway) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		g.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (g *Gateway) handleUnknownPath(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown path: "+r.URL.Path),
		time.Now().Add(time.Second))
	conn.Close()
}

// handleEvents upgrades the connection, registers a bus subscriber, and
// forwards every dequeued envelope as one JSON text frame until the
// connection closes or a send fails, per §4.J.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("events upgrade failed", "error", err)
		return
	}
	connID := uuid.New().String()
	defer conn.Close()

	ch := g.bus.Subscribe()
	defer g.bus.Unsubscribe(ch)
	g.logger.Info("events subscriber connected", "conn_id", connID)

	g.maybeAutostart()

	// A dedicated reader goroutine drains (and discards) control frames
	// so the connection's close is observed promptly; /ws/events is
	// outbound-only from the server's perspective.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				g.logger.Error("marshal envelope", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				g.logger.Debug("events send failed, unregistering", "conn_id", connID, "error", err)
				return
			}
		case <-closed:
			return
		}
	}
}

// maybeAutostart issues one synthetic start_sim the first time an
// /ws/events subscriber appears, per §4.J.
func (g *Gateway) maybeAutostart() {
	if !g.cfg.Autostart {
		return
	}
	g.mu.Lock()
	already := g.autostartFired
	g.autostartFired = true
	g.mu.Unlock()
	if already {
		return
	}
	g.logger.Info("autostart: issuing synthetic start_sim")
	g.handler.Handle(context.Background(), events.Command{Type: "start_sim"})
}

// handleCommand upgrades the connection and, for each inbound text frame,
// parses it as a Command, dispatches it to the command Handler, and
// writes back the acknowledgement frame, per §4.J/§6.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("command upgrade failed", "error", err)
		return
	}
	connID := uuid.New().String()
	defer conn.Close()
	g.logger.Info("command connection established", "conn_id", connID)

	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("command connection closed", "conn_id", connID, "error", err)
			return
		}

		var cmd events.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			g.logger.Warn("malformed command frame", "conn_id", connID, "error", err)
			continue
		}

		ack := g.handler.Handle(r.Context(), cmd)

		ackData, err := json.Marshal(ack)
		if err != nil {
			g.logger.Error("marshal ack", "error", err)
			continue
		}
		writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, ackData)
		writeMu.Unlock()
		if err != nil {
			g.logger.Debug("ack send failed", "conn_id", connID, "error", err)
			return
		}
	}
}
