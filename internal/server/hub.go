package server

import (
	"net/http"
	"sync"

	"github.com/dulitha/sessiond/internal/manager"
	"github.com/dulitha/sessiond/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// A Hub pushes pairing payloads to subscribed WebSocket clients.
type Hub struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub returns an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			// The control plane is origin-agnostic, like the rest of it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]bool{},
	}
}

// Subscribe upgrades the request and keeps the client registered until it
// disconnects. Inbound frames are discarded.
func (h *Hub) Subscribe(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	return nil
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Broadcast sends the payload to every subscribed client. Dead clients are
// dropped on write failure.
func (h *Hub) Broadcast(payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(payload); err != nil {
			h.log.WithError(err).Debug("dropping websocket subscriber")
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

// PairingSink adapts the hub to the manager's pairing callback.
func (h *Hub) PairingSink() manager.PairingSink {
	return func(number string, data protocol.PairingData) {
		payload := echo.Map{"number": number}
		switch {
		case data.QR != "":
			payload["type"] = "qr"
			payload["payload"] = data.QR
		case data.Code != "":
			payload["type"] = "code"
			payload["payload"] = data.Code
		default:
			return
		}
		h.Broadcast(payload)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
