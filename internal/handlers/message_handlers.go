package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"alumnet-chat/internal/auth"
	"alumnet-chat/internal/database"
	"alumnet-chat/internal/models"
	"alumnet-chat/pkg/logger"

	"go.uber.org/zap"
)

type MessageHandlers struct {
	authService *auth.Service
	db          database.Database
}

func NewMessageHandlers(authService *auth.Service, db database.Database) *MessageHandlers {
	return &MessageHandlers{
		authService: authService,
		db:          db,
	}
}

// History serves GET /api/messages/{peer}: the caller's conversation with
// one peer, oldest first. Authenticated with a bearer token.
func (h *MessageHandlers) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, err := h.userFromBearer(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	peer := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if peer == "" || strings.Contains(peer, "/") {
		http.Error(w, "invalid peer", http.StatusBadRequest)
		return
	}

	records, err := h.db.ListConversation(r.Context(), user.ID, peer)
	if err != nil {
		logger.Log.Error("error listing conversation", zap.Error(err))
		http.Error(w, "error loading messages", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []*models.MessageRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (h *MessageHandlers) userFromBearer(r *http.Request) (*models.User, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return h.authService.GetUserFromToken(r.Context(), token)
}
