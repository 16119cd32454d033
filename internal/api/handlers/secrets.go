package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// PutSecret stores or overwrites one provider credential, encrypted at
// rest. The plaintext never reaches the store layer.
func (h *Handlers) PutSecret(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	provider, ok := parseProvider(w, r)
	if !ok {
		return
	}
	var req contracts.PutSecretRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}

	encrypted, err := h.Vault.Encrypt(req.Value)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	secret := &models.UserProviderSecret{
		User:           id.UserID,
		Provider:       provider,
		EncryptedValue: encrypted,
		DisplayName:    req.DisplayName,
	}
	if err := h.Store.UpsertSecret(r.Context(), secret); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("user_id", id.UserID).Str("provider", string(provider)).Msg("provider secret stored")
	respondJSON(w, http.StatusOK, contracts.SecretSummary{
		Provider:    provider,
		DisplayName: secret.DisplayName,
		Updated:     secret.Updated.Format(time.RFC3339),
	})
}

// ListSecrets returns which providers have stored credentials — never
// the values.
func (h *Handlers) ListSecrets(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	secrets, err := h.Store.ListSecrets(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	summaries := make([]contracts.SecretSummary, len(secrets))
	for i, s := range secrets {
		summaries[i] = contracts.SecretSummary{
			Provider:    s.Provider,
			DisplayName: s.DisplayName,
			Updated:     s.Updated.Format(time.RFC3339),
		}
	}
	respondJSON(w, http.StatusOK, summaries)
}

// RevealSecret decrypts one stored credential on explicit request.
func (h *Handlers) RevealSecret(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	provider, ok := parseProvider(w, r)
	if !ok {
		return
	}
	secret, err := h.Store.GetSecret(r.Context(), id.UserID, provider)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	value, err := h.Vault.Decrypt(secret.EncryptedValue)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, contracts.RevealSecretResponse{Provider: provider, Value: value})
}

func (h *Handlers) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	provider, ok := parseProvider(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteSecret(r.Context(), id.UserID, provider); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseProvider(w http.ResponseWriter, r *http.Request) (models.Provider, bool) {
	provider := models.Provider(chi.URLParam(r, "provider"))
	if !models.ValidProvider(provider) {
		respondStoreError(w, &contracts.ValidationError{Field: "provider", Reason: "unknown provider"})
		return "", false
	}
	return provider, true
}
