package handlers

import (
	"net/http"

	"alumnet-chat/internal/auth"
	"alumnet-chat/internal/relay"
	"alumnet-chat/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketHandlers struct {
	authService *auth.Service
	hub         *relay.Hub
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, hub *relay.Hub) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Get JWT token from query parameters
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	// Validate token and get user
	user, err := h.authService.GetUserFromToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("upgrade error", zap.Error(err))
		return
	}

	session := relay.NewSession(h.hub, conn, user.ID)
	h.hub.Register <- session

	go session.WritePump()
	go session.ReadPump()
}
