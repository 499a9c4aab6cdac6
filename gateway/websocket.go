// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/termstream/protocol"
)

const (
	writeTimeout    = 10 * time.Second
	maxInboundBytes = 1 << 20
)

// WebSocketHandler serves viewers over WebSocket, one JSON envelope
// per text message.
type WebSocketHandler struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler returns a handler for g. When allowedOrigins is
// empty any origin may connect; otherwise the Origin header's host
// must be listed.
func NewWebSocketHandler(g *Gateway, allowedOrigins []string) *WebSocketHandler {
	handler := &WebSocketHandler{gateway: g, logger: g.logger}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin, err := url.Parse(r.Header.Get("Origin"))
			if err != nil {
				return false
			}
			return slices.Contains(allowedOrigins, origin.Host)
		},
	}
	return handler
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := h.gateway.Connect()
	h.logger.Info("viewer connected", "viewer_id", conn.ID(), "remote", r.RemoteAddr)

	go h.writePump(socket, conn)
	h.readPump(r, socket, conn)

	h.gateway.Disconnect(conn)
	h.logger.Info("viewer disconnected", "viewer_id", conn.ID())
}

func (h *WebSocketHandler) readPump(r *http.Request, socket *websocket.Conn, conn *Connection) {
	socket.SetReadLimit(maxInboundBytes)
	for {
		var message protocol.Inbound
		if err := socket.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("viewer read failed", "viewer_id", conn.ID(), "error", err)
			}
			return
		}
		h.gateway.HandleMessage(r.Context(), conn, message)
	}
}

// writePump is the only writer on socket. It exits when the
// connection is closed or a write fails, closing the socket so the
// read side ends too.
func (h *WebSocketHandler) writePump(socket *websocket.Conn, conn *Connection) {
	defer socket.Close()
	for {
		select {
		case envelope := <-conn.Outbound():
			_ = socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := socket.WriteJSON(envelope); err != nil {
				h.logger.Debug("viewer write failed", "viewer_id", conn.ID(), "error", err)
				conn.Close()
				return
			}
		case <-conn.Done():
			_ = socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
