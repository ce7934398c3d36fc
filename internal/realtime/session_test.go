package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbourn/crm-sync/internal/domain"
)

func startServer(t *testing.T, h *Hub, origins []string) string {
	t.Helper()
	up := NewUpgrader(origins)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Serve(r.Context(), h, conn, SessionConfig{SendBuffer: 8, PingInterval: time.Second})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type wireEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev wireEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func waitMembers(t *testing.T, h *Hub, room Room, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Members(room) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("members(%+v) = %d; want %d", room, h.Members(room), want)
}

func TestSession_JoinReceiveLeave(t *testing.T) {
	h := NewHub()
	url := startServer(t, h, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"event": "join_order", "data": "o1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Name != EventJoined {
		t.Fatalf("ack = %s", ev.Name)
	}

	content := "hi"
	h.PublishMessage("o1", "c1", &domain.Message{ID: "m1", ThreadKey: 3, Content: &content})
	ev := readEvent(t, conn)
	if ev.Name != "new_order_message" {
		t.Fatalf("event = %s", ev.Name)
	}
	var got domain.Message
	if err := json.Unmarshal(ev.Data, &got); err != nil || got.ID != "m1" || got.Text() != "hi" {
		t.Fatalf("payload = %s (%v)", ev.Data, err)
	}

	_ = conn.WriteJSON(map[string]any{"event": "leave_order", "data": "o1"})
	if ev := readEvent(t, conn); ev.Name != EventLeft {
		t.Fatalf("ack = %s", ev.Name)
	}
	waitMembers(t, h, Room{Scope: ScopeOrder, ID: "o1"}, 0)
}

func TestSession_BadFrameKeepsSessionOpen(t *testing.T) {
	h := NewHub()
	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, h, nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if ev := readEvent(t, conn); ev.Name != EventError {
		t.Fatalf("event = %s", ev.Name)
	}
	_ = conn.WriteJSON(map[string]any{"event": "join_contact", "data": "c9"})
	if ev := readEvent(t, conn); ev.Name != EventJoined {
		t.Fatalf("event = %s", ev.Name)
	}
}

func TestSession_DisconnectLeavesRooms(t *testing.T) {
	h := NewHub()
	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, h, nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	room := Room{Scope: ScopeThread, ID: "11"}
	_ = conn.WriteJSON(map[string]any{"event": "join_thread", "data": 11})
	readEvent(t, conn)
	waitMembers(t, h, room, 1)

	_ = conn.Close()
	waitMembers(t, h, room, 0)
}

func TestSession_ContextCancelClosesSession(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	up := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Serve(ctx, h, conn, SessionConfig{})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	up := NewUpgrader([]string{"https://crm.example.com/"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	if !up.CheckOrigin(req("https://crm.example.com")) {
		t.Error("allowed origin rejected")
	}
	if up.CheckOrigin(req("https://evil.example")) {
		t.Error("foreign origin accepted")
	}
	if !up.CheckOrigin(req("")) {
		t.Error("originless client rejected")
	}
	if !NewUpgrader([]string{"*"}).CheckOrigin(req("https://any.example")) {
		t.Error("wildcard rejected")
	}
	if NewUpgrader(nil).CheckOrigin != nil {
		t.Error("empty list should use the default same-origin check")
	}
}
