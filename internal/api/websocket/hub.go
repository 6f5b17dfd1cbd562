package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/streaming"
)

type directMessage struct {
	client *Client
	msg    Message
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Replies addressed to a single client
	direct chan directMessage

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcast:  make(chan Message, 256),
		direct:     make(chan directMessage, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. It disconnects every client
// when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.String("username", client.username),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case d := <-h.direct:
			data, err := json.Marshal(d.msg)
			if err != nil {
				h.logger.Error("Failed to marshal reply", zap.Error(err))
				continue
			}
			h.mu.Lock()
			if h.clients[d.client] {
				h.deliver(d.client, data)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.String("message_type", string(message.Type)),
					zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if client.wants(message.positioner) {
					h.deliver(client, data)
				}
			}
			h.mu.Unlock()
		}
	}
}

// deliver queues data for client, dropping the client when its buffer
// is full. Callers hold h.mu.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		close(client.send)
		delete(h.clients, client)
		h.logger.Warn("Client send buffer full, unregistering",
			zap.String("remote_addr", client.remoteAddr()))
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

func (h *Hub) reply(client *Client, msg Message) {
	select {
	case h.direct <- directMessage{client: client, msg: msg}:
	case <-h.done:
	}
}

// PublishWatcherUpdate forwards move progress to subscribed clients.
func (h *Hub) PublishWatcherUpdate(u positioner.WatcherUpdate) {
	h.Broadcast(newPositionerMessage(MessageTypeWatcherUpdate, u.Name, u))
}

// PublishMoveState forwards a move state change to subscribed clients.
func (h *Hub) PublishMoveState(st positioner.MoveStatus) {
	h.Broadcast(newPositionerMessage(MessageTypeMoveState, st.Positioner, st))
}

// PublishPlanEvent forwards a plan execution event to every client.
func (h *Hub) PublishPlanEvent(ev *streaming.Event) {
	h.Broadcast(NewMessage(MessageTypePlanEvent, ev))
}

func (h *Hub) PublishSystemStatus(status any) {
	h.Broadcast(NewMessage(MessageTypeSystemStatus, status))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
