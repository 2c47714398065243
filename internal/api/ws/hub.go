// Package ws pushes activity entries to dashboard clients over WebSocket.
// The hub owns the subscription set; beyond that the server keeps no
// per-client state, clients reconnect on their own.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bargom/sidequest/internal/activity"
	"github.com/bargom/sidequest/pkg/metrics"
)

// activityFrame is the wire shape of one push.
type activityFrame struct {
	Type     string         `json:"type"`
	Activity activity.Entry `json:"activity"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary local hosts during development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans frames out to connected clients.
type Hub struct {
	logger *slog.Logger
	meter  *metrics.Registry

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	clients    map[*Client]bool
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub builds a Hub; call Run before serving connections.
func NewHub(logger *slog.Logger, meter *metrics.Registry) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger.With("component", "ws"),
		meter:      meter,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Close is called. Clients whose send buffer
// is full are dropped rather than allowed to stall the others.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.setGauge()
			h.logger.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.setGauge()
				h.logger.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case frame := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("websocket client too slow, dropped")
				}
			}
			h.setGauge()

		case <-h.done:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.setGauge()
			return
		}
	}
}

// Close disconnects every client and stops the run loop. Safe to call more
// than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) setGauge() {
	if h.meter != nil {
		h.meter.SetWSClients(len(h.clients))
	}
}

// BroadcastActivity queues one activity entry for every client. It never
// blocks: the activity stream calls this synchronously from Add, so a
// saturated hub drops the frame instead of stalling job transitions.
func (h *Hub) BroadcastActivity(entry activity.Entry) {
	frame, err := json.Marshal(activityFrame{Type: "activity:new", Activity: entry})
	if err != nil {
		h.logger.Error("activity frame not serialisable", "error", err)
		return
	}

	select {
	case h.broadcast <- frame:
	case <-h.done:
	default:
		h.logger.Warn("websocket broadcast queue full, frame dropped")
	}
}

// ServeHTTP upgrades the connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}
