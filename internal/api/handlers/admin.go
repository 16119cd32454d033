package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/api/middleware"
	"github.com/open-notebook/open-notebook/internal/store"
)

// admin gates a handler on the caller's admin flag.
func (h *Handlers) admin(w http.ResponseWriter, r *http.Request) *middleware.Identity {
	id := h.caller(w, r)
	if id == nil {
		return nil
	}
	if !id.IsAdmin {
		respondStoreError(w, store.ErrForbidden)
		return nil
	}
	return id
}

func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	if h.admin(w, r) == nil {
		return
	}
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

// WipeUser deletes everything a user owns. The user row itself stays so
// the account can be reused or deactivated separately.
func (h *Handlers) WipeUser(w http.ResponseWriter, r *http.Request) {
	id := h.admin(w, r)
	if id == nil {
		return
	}
	userID := chi.URLParam(r, "userID")
	if _, err := h.Store.GetUser(r.Context(), userID); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.Store.WipeUserData(r.Context(), userID); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("admin", id.UserID).Str("user_id", userID).Msg("user data wiped")
	w.WriteHeader(http.StatusNoContent)
}
