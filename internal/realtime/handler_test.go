package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestEndpoint(t *testing.T, hub *Hub, heartbeat time.Duration) *httptest.Server {
	t.Helper()
	handler := NewHandler(HandlerConfig{Hub: hub, HeartbeatInterval: heartbeat, PongGrace: heartbeat})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return message
}

func subscribe(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	if err := conn.WriteJSON(SubscribeMessage(pageOne)); err != nil {
		t.Fatalf("subscribe write failed: %v", err)
	}
	connected := readFrame(t, conn)
	if connected.Type != MessageConnected {
		t.Fatalf("expected connected frame, got %#v", connected)
	}
	return connected
}

func waitForSubscribers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(pageOne) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers, got %d", want, hub.SubscriberCount(pageOne))
}

func TestHandlerSendsSnapshotAndEvents(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	hub.LockAcquired(pageOne, 5, "alice", liveLease)
	server := newTestEndpoint(t, hub, time.Minute)

	conn := dial(t, server)
	connected := subscribe(t, conn)
	if len(connected.CurrentLocks) != 1 || connected.CurrentLocks[0].ItemID != 5 {
		t.Fatalf("unexpected snapshot: %#v", connected.CurrentLocks)
	}

	hub.LockReleased(pageOne, 5)
	released := readFrame(t, conn)
	if released.Type != MessageLockReleased || released.ItemID != 5 {
		t.Fatalf("unexpected event: %#v", released)
	}
}

func TestHandlerAnswersPingFrames(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	server := newTestEndpoint(t, hub, time.Minute)
	conn := dial(t, server)
	subscribe(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if pong := readFrame(t, conn); pong.Type != MessagePong {
		t.Fatalf("expected pong for bare ping, got %#v", pong)
	}
	if err := conn.WriteJSON(Message{Type: MessagePing}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if pong := readFrame(t, conn); pong.Type != MessagePong {
		t.Fatalf("expected pong for json ping, got %#v", pong)
	}
}

func TestHandlerRejectsNonSubscribeFirstFrame(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	server := newTestEndpoint(t, hub, time.Minute)
	conn := dial(t, server)

	if err := conn.WriteJSON(Message{Type: MessageSubscribe, PDFFilename: " ", PageNumber: 1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if frame := readFrame(t, conn); frame.Type != MessageError {
		t.Fatalf("expected error frame, got %#v", frame)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestHandlerSendsHeartbeatPings(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	server := newTestEndpoint(t, hub, 20*time.Millisecond)
	conn := dial(t, server)
	subscribe(t, conn)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a heartbeat ping")
	}
}

func TestHandlerClosesSilentConnections(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	server := newTestEndpoint(t, hub, 20*time.Millisecond)
	conn := dial(t, server)
	subscribe(t, conn)

	// No reads means control pings are never answered.
	waitForSubscribers(t, hub, 0)
}

func TestHandlerCloseGoingAwayOnShutdown(t *testing.T) {
	hub := NewHub(HubConfig{})
	server := newTestEndpoint(t, hub, time.Minute)
	conn := dial(t, server)
	subscribe(t, conn)
	waitForSubscribers(t, hub, 1)

	if err := hub.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going away close, got %v", err)
	}
}

func TestHandlerUnsubscribesOnClientClose(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	server := newTestEndpoint(t, hub, time.Minute)
	conn := dial(t, server)
	subscribe(t, conn)
	waitForSubscribers(t, hub, 1)

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close write failed: %v", err)
	}
	waitForSubscribers(t, hub, 0)
}
