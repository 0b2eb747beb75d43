package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kiwari-pos/checkout/internal/auth"
	"github.com/kiwari-pos/checkout/internal/notify"
)

// mockClient creates a client for testing without a real WebSocket connection
func mockClient(hub *Hub, room string) *Client {
	return &Client{
		hub:  hub,
		room: room,
		send: make(chan []byte, 256),
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		return msg
	case <-time.After(100 * time.Millisecond):
		t.Fatal("client did not receive message")
	}
	return Message{}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.send:
		t.Fatalf("client in room %q should not have received a message", c.room)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRegistration(t *testing.T) {
	hub := startHub(t)
	client := mockClient(hub, RoomKitchen)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if !hub.rooms[RoomKitchen][client] {
		t.Fatal("client not registered in kitchen room")
	}
}

func TestHubCleanupEmptyRoom(t *testing.T) {
	hub := startHub(t)
	client1 := mockClient(hub, RoomKitchen)
	client2 := mockClient(hub, RoomKitchen)

	hub.register <- client1
	hub.register <- client2
	time.Sleep(10 * time.Millisecond)

	hub.unregister <- client1
	time.Sleep(10 * time.Millisecond)
	hub.mu.RLock()
	if len(hub.rooms[RoomKitchen]) != 1 {
		t.Fatalf("expected 1 client after first unregister, got %d", len(hub.rooms[RoomKitchen]))
	}
	hub.mu.RUnlock()

	hub.unregister <- client2
	time.Sleep(10 * time.Millisecond)
	hub.mu.RLock()
	if hub.rooms[RoomKitchen] != nil {
		t.Fatal("room should be deleted when last client unregisters")
	}
	hub.mu.RUnlock()

	// A second unregister of the same client must not double-close.
	hub.unregister <- client2
	time.Sleep(10 * time.Millisecond)
}

func TestNotify_RoutesToKitchenAndCustomer(t *testing.T) {
	hub := startHub(t)
	kitchen := mockClient(hub, RoomKitchen)
	ani := mockClient(hub, CustomerRoom("ani@example.com"))
	budi := mockClient(hub, CustomerRoom("budi@example.com"))
	for _, c := range []*Client{kitchen, ani, budi} {
		hub.register <- c
	}
	time.Sleep(10 * time.Millisecond)

	err := hub.Notify(context.Background(), notify.Event{
		Type:          "order.paid",
		OrderCode:     "ORD-AAAA0001",
		QueueNumber:   "007",
		CustomerEmail: "Ani@Example.com",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	for _, c := range []*Client{kitchen, ani} {
		msg := receive(t, c)
		if msg.Type != "order.paid" {
			t.Errorf("room %s: expected order.paid, got %s", c.room, msg.Type)
		}
		var ev notify.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.QueueNumber != "007" {
			t.Errorf("room %s: unexpected payload %s", c.room, msg.Payload)
		}
	}
	expectSilence(t, budi)
}

func TestNotify_StockAlertsStayWithStaff(t *testing.T) {
	hub := startHub(t)
	kitchen := mockClient(hub, RoomKitchen)
	customer := mockClient(hub, CustomerRoom("ani@example.com"))
	hub.register <- kitchen
	hub.register <- customer
	time.Sleep(10 * time.Millisecond)

	if err := hub.Notify(context.Background(), notify.Event{Type: "product.low_stock", ProductID: 3}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if msg := receive(t, kitchen); msg.Type != "product.low_stock" {
		t.Errorf("expected product.low_stock, got %s", msg.Type)
	}
	expectSilence(t, customer)
}

func TestBroadcast_SlowClientDropped(t *testing.T) {
	hub := startHub(t)
	slow := &Client{hub: hub, room: RoomKitchen, send: make(chan []byte)}
	hub.register <- slow
	time.Sleep(10 * time.Millisecond)

	if err := hub.Broadcast(RoomKitchen, Message{Type: "order.created", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if hub.rooms[RoomKitchen] != nil {
		t.Fatal("slow client should have been dropped")
	}
	if _, open := <-slow.send; open {
		t.Fatal("slow client's channel should be closed")
	}
}

func TestBroadcast_NeverBlocks(t *testing.T) {
	hub := NewHub() // not running: the backlog fills up
	var err error
	for i := 0; i < 300 && err == nil; i++ {
		err = hub.Broadcast(RoomKitchen, Message{Type: "x"})
	}
	if !errors.Is(err, ErrHubBusy) {
		t.Fatalf("expected ErrHubBusy, got: %v", err)
	}
}

func TestRun_StopClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	client := mockClient(hub, RoomKitchen)
	hub.register <- client
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if _, open := <-client.send; open {
		t.Fatal("expected client channel closed on shutdown")
	}
}

// --- ServeWS ---

const testSecret = "test-secret"

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/queue?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func TestServeWS_StaffReceivesQueueEvents(t *testing.T) {
	hub := startHub(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(ServeWS(hub, testSecret, log))
	defer srv.Close()

	token, _ := auth.GenerateToken(testSecret, auth.Identity{UserID: uuid.New(), Role: "KITCHEN"}, time.Hour)
	conn, err := dial(t, srv, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	if err := hub.Notify(context.Background(), notify.Event{Type: "order.created", OrderCode: "ORD-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "order.created" {
		t.Fatalf("expected order.created, got %s", msg.Type)
	}
}

func TestServeWS_RejectsBadToken(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(ServeWS(hub, testSecret, slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer srv.Close()

	if _, err := dial(t, srv, ""); err == nil {
		t.Fatal("expected handshake without token to fail")
	}
	if _, err := dial(t, srv, "garbage"); err == nil {
		t.Fatal("expected handshake with bad token to fail")
	}
}

func TestRoomFor(t *testing.T) {
	tests := []struct {
		claims auth.Claims
		want   string
	}{
		{auth.Claims{Role: "OWNER"}, RoomKitchen},
		{auth.Claims{Role: "CASHIER"}, RoomKitchen},
		{auth.Claims{Role: "KITCHEN"}, RoomKitchen},
		{auth.Claims{Role: "CUSTOMER", Email: "Ani@example.com"}, "customer:ani@example.com"},
		{auth.Claims{Role: "CUSTOMER"}, ""},
	}
	for _, tt := range tests {
		if got := roomFor(&tt.claims); got != tt.want {
			t.Errorf("%s/%s: got %q, want %q", tt.claims.Role, tt.claims.Email, got, tt.want)
		}
	}
}
