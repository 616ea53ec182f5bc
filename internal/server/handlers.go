package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/mcphub/internal/auth"
	"github.com/Tyrowin/mcphub/internal/hub"
)

// handleSocket authorizes the handshake, upgrades the connection, registers
// a socket listener, and starts the client's pumps. Authorization is checked
// once here, never per frame.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !g.gate.Allow(r.Header) {
		g.logger.Warn("socket handshake unauthorized", "remote_addr", r.RemoteAddr)
		auth.Reject(w)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("socket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	listener, err := g.hub.Register(hub.KindSocket, r.RemoteAddr)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			deadline())
		_ = conn.Close()
		return
	}

	newSocketClient(conn, listener, g).run()
}

// HealthHandler provides a simple liveness check that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mcphub gateway is running!")
}

type healthResponse struct {
	Status    string         `json:"status"`
	Listeners map[string]int `json:"listeners"`
}

// handleHealth reports the live listener counts per transport.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Listeners: map[string]int{
			string(hub.KindStream): g.hub.CountByKind(hub.KindStream),
			string(hub.KindSocket): g.hub.CountByKind(hub.KindSocket),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
