package server

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WebSocketHub fans run results out to connected websocket clients.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	count      atomic.Int64
	log        *slog.Logger
}

func newHub(log *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn, 8),
		unregister: make(chan *websocket.Conn, 8),
		log:        log,
	}
}

// Broadcast queues a message for every client. It drops the message when the
// hub is backed up.
func (h *WebSocketHub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("websocket broadcast buffer full, dropping message")
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	return int(h.count.Load())
}

func (h *WebSocketHub) run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.count.Store(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int64(len(h.clients)))
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}
