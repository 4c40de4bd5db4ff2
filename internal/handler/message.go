package handler

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/cosmicchat/internal/middleware"
	"github.com/cosmicchat/internal/model"
	"github.com/cosmicchat/internal/router"
)

// MessageHandler is the REST face of the message log: history catch-up and
// the HTTP fallbacks for send, mark-read and typing. Conversations are
// addressed in the path with the "room:<id>" / "dm:<a>:<b>" notation.
type MessageHandler struct {
	rtr *router.Router
}

func NewMessageHandler(rtr *router.Router) *MessageHandler {
	return &MessageHandler{rtr: rtr}
}

func conversationParam(r *http.Request) (model.ConversationRef, error) {
	raw := chi.URLParam(r, "conv")
	if dec, err := url.PathUnescape(raw); err == nil {
		raw = dec
	}
	return model.ParseConversationRef(raw)
}

// History returns messages strictly after the "cursor" message id, oldest
// first. An absent cursor starts from the beginning.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conv, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation")
		return
	}
	limit := queryInt(r, "limit", 50)
	msgs, err := h.rtr.History(r.Context(), userID, conv, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeDomainError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Body string `json:"body"`
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conv, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, err := h.rtr.Send(r.Context(), userID, conv, req.Body)
	if err != nil {
		writeDomainError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type markReadRequest struct {
	UptoID string `json:"upto_id"`
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conv, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation")
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.rtr.MarkRead(r.Context(), userID, conv, req.UptoID); err != nil {
		writeDomainError(w, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Typing is fire-and-forget; always 200 for a parseable conversation.
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conv, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation")
		return
	}
	h.rtr.SetTyping(userID, conv)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *MessageHandler) Unread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conv, err := conversationParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation")
		return
	}
	count, err := h.rtr.Unread(r.Context(), userID, conv)
	if err != nil {
		writeDomainError(w, "unread count", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}
