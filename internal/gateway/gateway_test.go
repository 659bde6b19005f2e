package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jtholman/voxcore/internal/adapters/sim"
	"github.com/jtholman/voxcore/internal/cas"
	"github.com/jtholman/voxcore/internal/command"
	"github.com/jtholman/voxcore/internal/config"
	"github.com/jtholman/voxcore/internal/events"
	"github.com/jtholman/voxcore/internal/manifest"
	"github.com/jtholman/voxcore/internal/session"
)

func testGateway(t *testing.T, autostart bool) (*httptest.Server, *events.Bus) {
	t.Helper()
	cfg := config.Default()
	bus := events.New()
	casStore := cas.New(t.TempDir())
	mw := manifest.NewWriter()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	o := session.New(logger, bus, cfg, &sim.STT{Profile: "fast"}, &sim.TTS{}, &sim.LLM{}, casStore, mw, t.TempDir())
	h := command.New(logger, bus, o, cfg)

	gw := New(Config{Autostart: autostart}, bus, h, logger)
	srv := httptest.NewServer(gw.Mux())
	t.Cleanup(srv.Close)
	return srv, bus
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventsEndpointForwardsPublishedEnvelope(t *testing.T) {
	srv, bus := testGateway(t, false)
	conn := dialWS(t, srv, "/ws/events")

	// Give the server time to register the subscriber before publishing;
	// Publish is fire-and-forget so there's no ack to wait on directly.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.SubscriberCount() == 0 {
		t.Fatal("timed out waiting for subscriber registration")
	}

	bus.Publish(events.Envelope{SchemaVersion: "1.0", EventID: "e1", SessionID: "s1", Type: "wake_detected"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var got events.Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if got.Type != "wake_detected" || got.SessionID != "s1" {
		t.Errorf("got envelope %+v, want type=wake_detected session_id=s1", got)
	}
}

func TestCommandEndpointAcknowledgesCommand(t *testing.T) {
	srv, _ := testGateway(t, false)
	conn := dialWS(t, srv, "/ws/command")

	cmd := events.Command{Type: "mute"}
	data, _ := json.Marshal(cmd)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, ackData, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack command.Ack
	if err := json.Unmarshal(ackData, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.OK || ack.Type != "mute" {
		t.Errorf("ack = %+v, want {OK:true Type:mute}", ack)
	}
}

func TestCommandEndpointAcknowledgesUnknownCommand(t *testing.T) {
	srv, _ := testGateway(t, false)
	conn := dialWS(t, srv, "/ws/command")

	data, _ := json.Marshal(events.Command{Type: "not_a_real_command"})
	conn.WriteMessage(websocket.TextMessage, data)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, ackData, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack command.Ack
	json.Unmarshal(ackData, &ack)
	if !ack.OK {
		t.Errorf("ack.OK = false, want true for unknown command per §7")
	}
}

func TestUnknownPathClosesWithPolicyViolation(t *testing.T) {
	srv, _ := testGateway(t, false)
	conn := dialWS(t, srv, "/ws/nonsense")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a websocket.CloseError, got %v (%T)", err, err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d (policy violation)", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestAutostartIssuesStartSimOnFirstSubscriber(t *testing.T) {
	srv, _ := testGateway(t, true)
	conn := dialWS(t, srv, "/ws/events")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 30; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		var env events.Envelope
		json.Unmarshal(data, &env)
		if env.Type == "session_start" {
			return
		}
	}
	t.Fatal("did not observe session_start within 30 frames of autostart")
}
