// Package websocket is the dashboard fan-out hub: it upgrades HTTP
// connections to websockets and broadcasts alarm and sync traffic to
// subscribed clients by topic. Grounded on
// Traxin77-Iot-gateway/internal/websocket's Hub/Client/register/
// unregister/broadcast pattern, generalized from a single flat
// broadcast channel to per-client topic subscriptions since this
// platform's sinks publish to both an `all` topic and a
// severity-scoped topic per alarm.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type topicMessage struct {
	topic string
	data  []byte
}

// Hub maintains the set of connected dashboard clients and routes
// broadcast messages to whichever of them are subscribed to a topic.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan topicMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan topicMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run drives the hub's event loop until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client registered", zap.Strings("topics", client.topicList()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.subscribes(msg.topic) {
					continue
				}
				select {
				case client.Send <- msg.data:
				default:
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// RegisterClient admits a client to the hub. Blocks until Run consumes it.
func (h *Hub) RegisterClient(c *Client) { h.register <- c }

// UnregisterClient removes a client from the hub.
func (h *Hub) UnregisterClient(c *Client) { h.unregister <- c }

// Broadcast implements distributor.Broadcaster and the sync service's
// push interface: it fans data out to every client subscribed to topic
// (or to the reserved "all" topic).
func (h *Hub) Broadcast(topic string, data []byte) {
	h.broadcast <- topicMessage{topic: topic, data: data}
}

// ClientCount reports the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
