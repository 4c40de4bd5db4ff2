package handler

import (
	"net/http"
	"strings"

	"github.com/cosmicchat/internal/middleware"
	"github.com/cosmicchat/internal/model"
	"github.com/cosmicchat/internal/presence"
	"github.com/cosmicchat/internal/repository"
	"github.com/cosmicchat/internal/service"
)

type UserHandler struct {
	userRepo *repository.UserRepository
	auth     *service.AuthService
	tracker  *presence.Tracker
}

func NewUserHandler(userRepo *repository.UserRepository, auth *service.AuthService, tracker *presence.Tracker) *UserHandler {
	return &UserHandler{userRepo: userRepo, auth: auth, tracker: tracker}
}

// List is the user directory, optionally filtered by ?q= against display
// name and email. The online flag comes from the live tracker, not the
// persisted column, so a user inside the linger window still shows online
// here.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)
	var users []model.User
	var err error
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		users, err = h.userRepo.Search(r.Context(), q, limit)
	} else {
		users, err = h.userRepo.ListAll(r.Context(), limit)
	}
	if err != nil {
		writeDomainError(w, "list users", err)
		return
	}
	out := make([]model.UserPublic, 0, len(users))
	for _, u := range users {
		pub := u.ToPublic()
		if h.tracker != nil {
			pub.IsOnline = h.tracker.Online(u.ID)
		}
		out = append(out, pub)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "get me", err)
		return
	}
	pub := u.ToPublic()
	if h.tracker != nil {
		pub.IsOnline = h.tracker.Online(u.ID)
	}
	writeJSON(w, http.StatusOK, pub)
}

// Deactivate soft-disables the account and revokes every live session, so
// existing tokens stop authenticating immediately.
func (h *UserHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if err := h.userRepo.SetDisabled(r.Context(), userID, true); err != nil {
		writeDomainError(w, "deactivate user", err)
		return
	}
	if _, err := h.auth.RevokeAllForUser(r.Context(), userID); err != nil {
		writeDomainError(w, "revoke sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
