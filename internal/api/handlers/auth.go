package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/auth"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// Register creates an account and returns a token, so the first request
// after signup needs no separate login.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req contracts.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}

	if _, err := h.Store.GetUserByEmail(r.Context(), req.Email); err == nil {
		respondError(w, http.StatusConflict, "email already registered")
		return
	} else if !store.IsNotFound(err) {
		respondStoreError(w, err)
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	user := &models.User{
		Email:          req.Email,
		HashedPassword: hashed,
		DisplayName:    req.DisplayName,
		IsActive:       true,
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		respondStoreError(w, err)
		return
	}

	token, err := h.Tokens.Issue(user)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("user_id", user.ID).Msg("user registered")
	respondJSON(w, http.StatusCreated, contracts.AuthResponse{Token: token, User: user})
}

// Login verifies the password and issues a token. Unknown email and
// wrong password answer identically.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req contracts.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if !user.IsActive {
		respondError(w, http.StatusUnauthorized, "account is deactivated")
		return
	}
	if err := auth.CheckPassword(user.HashedPassword, req.Password); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	token, err := h.Tokens.Issue(user)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, contracts.AuthResponse{Token: token, User: user})
}

// Me returns the authenticated user's own record.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	user, err := h.Store.GetUser(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}
