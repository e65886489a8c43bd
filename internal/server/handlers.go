package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relay/internal/logger"
)

// WebSocketHandler upgrades the request and hands the connection to the hub,
// which starts its read and write pumps.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("WebSocket upgrade failed", logger.String("remote", r.RemoteAddr), logger.Error(err))
		return
	}

	client := NewClient(conn, h, r.RemoteAddr)
	if !h.attach(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reasonShuttingDown)
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}
	client.log.Debug("Connection accepted")
}

// StatusHandler reports who is online. It reads the registry directly and
// never waits on the hub loop or any peer.
func (h *Hub) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(h.Status()); err != nil {
		h.log.Warn("Error writing status response", logger.Error(err))
	}
}
