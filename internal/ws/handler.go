package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaw-s-yu/terminal-server/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Handler upgrades HTTP requests to terminal connections.
type Handler struct {
	service  *Service
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler creates a Handler. Origins are not checked; clients are not
// authenticated.
func NewHandler(service *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With("component", "ws"),
	}
}

// ServeHTTP upgrades the connection and serves it until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	client := NewClient(id, session.IDFor(id), conn)

	h.service.Connect(client)

	go h.writePump(client)
	h.readPump(client)
}

// readPump dispatches frames until the connection fails, then disconnects
// the client.
func (h *Handler) readPump(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.service.Disconnect(client)
		client.Conn().Close()
	}()

	conn := client.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Warn("websocket read failed", "client_id", client.ID(), "error", err)
			}
			return
		}

		h.service.HandleFrame(ctx, client, frame)
	}
}

// writePump writes queued frames and keepalive pings.
func (h *Handler) writePump(client *Client) {
	conn := client.Conn()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-client.Ready():
			// Read closed first: no frame can be queued after it is set.
			closed := client.IsClosed()

			for {
				frame, ok := client.Next()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				// One frame per message so every frame parses on its own.
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}

			if closed {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
