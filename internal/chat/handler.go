package chat

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	myMiddleware "gigchat/internal/middleware"
)

type Handler struct {
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(hub *Hub, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth is by token, not cookie, so cross-origin handshakes are harmless.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWs upgrades an authenticated request. The client still has to send
// user:join before it shows up in presence.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws_upgrade_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, userID, username, h.opts, h.logger)
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	// serveWs returns immediately; the pumps own the connection from here.
	go client.writePump()
	go client.readPump()
}
