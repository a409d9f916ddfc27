package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/erikscolaro/ironlink/internal/ws"
)

type createChatRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsGroup     *bool  `json:"is_group"`
}

func (h *Handlers) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if n := utf8.RuneCountInString(req.Name); n < 1 || n > 128 {
		writeError(w, http.StatusBadRequest, "chat name must be between 1 and 128 characters")
		return
	}
	isGroup := true
	if req.IsGroup != nil {
		isGroup = *req.IsGroup
	}

	user := claims(r)
	chat, err := h.store.CreateChat(r.Context(), req.Name, req.Description, isGroup, user.UserID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create chat")
		writeError(w, http.StatusInternalServerError, "could not create chat")
		return
	}

	// Live connections of the creator start receiving the chat immediately.
	h.presence.Signal(user.UserID, ws.AddChatSignal(chat.ID))

	writeJSON(w, http.StatusCreated, chat)
}

func (h *Handlers) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.store.ChatsForUser(r.Context(), claims(r).UserID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list chats")
		writeError(w, http.StatusInternalServerError, "could not list chats")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// handleChatMessages is the history/resync endpoint: clients call it after
// connect, reconnect, or a lag drop to catch up on what the bus did not
// deliver. Results respect the member's visible-from watermark.
func (h *Handlers) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	user := claims(r)

	member, err := h.store.IsMember(r.Context(), user.UserID, chatID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Membership check failed")
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return
	}

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.store.MessagesForChat(r.Context(), chatID, user.UserID, before, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load messages")
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) handleLeaveChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	user := claims(r)

	if err := h.store.RemoveMember(r.Context(), user.UserID, chatID); err != nil {
		writeError(w, storeStatus(err), "could not leave chat")
		return
	}

	// Unsubscribe every live connection of the user from the chat's bus.
	h.presence.Signal(user.UserID, ws.RemoveChatSignal(chatID))

	w.WriteHeader(http.StatusNoContent)
}
