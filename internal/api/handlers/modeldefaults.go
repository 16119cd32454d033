package handlers

import (
	"net/http"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// GetModelDefaults returns the caller's model selections, falling back to
// the build defaults when nothing has been configured yet.
func (h *Handlers) GetModelDefaults(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	cfg, err := h.Store.GetModelConfig(r.Context(), id.UserID)
	if store.IsNotFound(err) {
		cfg = &models.ModelConfig{Owner: id.UserID}
	} else if err != nil {
		respondStoreError(w, err)
		return
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = ai.DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = ai.DefaultEmbeddingModel
	}
	respondJSON(w, http.StatusOK, cfg)
}

// PutModelDefaults upserts the caller's model selections. Each provided
// field must parse as "<provider>/<model>"; omitted fields are left alone.
func (h *Handlers) PutModelDefaults(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.ModelDefaultsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChatModel == "" && req.EmbeddingModel == "" {
		respondStoreError(w, &contracts.ValidationError{Field: "chat_model", Reason: "at least one model must be provided"})
		return
	}
	for _, name := range []string{req.ChatModel, req.EmbeddingModel} {
		if name == "" {
			continue
		}
		if _, err := ai.ParseModelRef(name); err != nil {
			respondStoreError(w, &contracts.ValidationError{Field: "model", Reason: err.Error()})
			return
		}
	}

	cfg, err := h.Store.GetModelConfig(r.Context(), id.UserID)
	if store.IsNotFound(err) {
		cfg = &models.ModelConfig{Owner: id.UserID}
	} else if err != nil {
		respondStoreError(w, err)
		return
	}
	if req.ChatModel != "" {
		cfg.ChatModel = req.ChatModel
	}
	if req.EmbeddingModel != "" {
		cfg.EmbeddingModel = req.EmbeddingModel
	}
	if err := h.Store.UpsertModelConfig(r.Context(), cfg); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// ListProviders returns the closed provider set with, per provider, the
// env var consulted when no stored secret exists.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	if h.caller(w, r) == nil {
		return
	}
	type providerInfo struct {
		Provider models.Provider `json:"provider"`
		EnvVar   string          `json:"env_var"`
	}
	known := models.KnownProviders()
	out := make([]providerInfo, len(known))
	for i, p := range known {
		env, _ := credentials.EnvVar(p)
		out[i] = providerInfo{Provider: p, EnvVar: env}
	}
	respondJSON(w, http.StatusOK, out)
}
