package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/kiwari-pos/checkout/internal/notify"
)

// RoomKitchen receives every event: the staff queue board and stock alerts.
const RoomKitchen = "kitchen"

var ErrHubBusy = errors.New("websocket hub backlog full")

// CustomerRoom is where one customer's order updates go.
func CustomerRoom(email string) string {
	return "customer:" + strings.ToLower(email)
}

// Message is one frame sent to clients.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type roomMessage struct {
	Room    string
	Message Message
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Registered clients by room
	rooms map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	// Outbound messages to broadcast
	broadcast chan *roomMessage

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *roomMessage, 256),
	}
}

// Run is the hub's main loop. It returns when ctx is done and closes every
// client's send channel so their write pumps exit.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for room, clients := range h.rooms {
				for client := range clients {
					close(client.send)
				}
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.room] == nil {
				h.rooms[client.room] = make(map[*Client]bool)
			}
			h.rooms[client.room][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg.Message)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.rooms[msg.Room] {
				select {
				case client.send <- data:
				default:
					// Slow client: drop it rather than stall the room.
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.rooms[client.room]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.rooms, client.room)
	}
}

// Broadcast queues msg for room. It never blocks.
func (h *Hub) Broadcast(room string, msg Message) error {
	select {
	case h.broadcast <- &roomMessage{Room: room, Message: msg}:
		return nil
	default:
		return ErrHubBusy
	}
}

func (h *Hub) Name() string { return "websocket" }

// Notify routes an event to the kitchen room and, for order events, to the
// customer who placed the order.
func (h *Hub) Notify(_ context.Context, ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := Message{Type: ev.Type, Payload: payload}
	if err := h.Broadcast(RoomKitchen, msg); err != nil {
		return err
	}
	if ev.CustomerEmail != "" {
		return h.Broadcast(CustomerRoom(ev.CustomerEmail), msg)
	}
	return nil
}
