package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cosmicchat/internal/middleware"
	"github.com/cosmicchat/internal/router"
)

type RoomHandler struct {
	rtr *router.Router
}

func NewRoomHandler(rtr *router.Router) *RoomHandler {
	return &RoomHandler{rtr: rtr}
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	room, err := h.rtr.CreateRoom(r.Context(), userID, req.Name, req.Description)
	if err != nil {
		writeDomainError(w, "create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rtr.ListRooms(r.Context())
	if err != nil {
		writeDomainError(w, "list rooms", err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	roomID := chi.URLParam(r, "roomID")
	room, err := h.rtr.JoinRoom(r.Context(), userID, roomID)
	if err != nil {
		writeDomainError(w, "join room", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	roomID := chi.URLParam(r, "roomID")
	if err := h.rtr.LeaveRoom(r.Context(), userID, roomID); err != nil {
		writeDomainError(w, "leave room", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
