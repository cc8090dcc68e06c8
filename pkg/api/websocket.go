package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lecture-assistant/pkg/models"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsListener forwards progress events to one websocket client.
type wsListener struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *wsListener) Send(event models.ProgressEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return l.conn.WriteJSON(event)
}

// WebSocketHandler streams progress events until the client goes away. Events sent
// before the client connected are not replayed; GET /jobs/{id} has the current state.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()
	// The server read timeout must not end a long-lived progress stream.
	_ = conn.SetReadDeadline(time.Time{})

	unregister := h.hub.Register(&wsListener{conn: conn})
	defer unregister()
	h.log.WithField("listeners", h.hub.Len()).Debug("progress listener connected")

	// Client messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	h.log.Debug("progress listener disconnected")
}
