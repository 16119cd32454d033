// Package handlers implements the HTTP handlers for the Open Notebook
// server. Every handler resolves the caller from the auth middleware and
// scopes store access by ownership; cross-owner reads surface as 404 so
// absence and denial are indistinguishable.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/api/middleware"
	"github.com/open-notebook/open-notebook/internal/auth"
	"github.com/open-notebook/open-notebook/internal/chat"
	"github.com/open-notebook/open-notebook/internal/commands"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/storage"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/internal/vault"
	"github.com/open-notebook/open-notebook/pkg/contracts"
)

// Models is the slice of the AI factory the handlers need directly:
// query embedding for vector search. Everything else reaches models
// through the queue or the chat executor.
type Models interface {
	Embedder(ctx context.Context, ref ai.ModelRef, creds credentials.Credentials) (ai.Embedder, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Vault    *vault.Vault
	Queue    *commands.Queue
	Chat     *chat.Executor
	Storage  *storage.Local
	Resolver *credentials.Resolver
	Models   Models
	Tokens   *auth.Issuer

	// SchemaVersion is the version this build migrates to; health compares
	// it against the store's persisted version.
	SchemaVersion int
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, v *vault.Vault, q *commands.Queue, ex *chat.Executor, st *storage.Local, r *credentials.Resolver, m Models, tokens *auth.Issuer, schemaVersion int) *Handlers {
	return &Handlers{
		Store:         s,
		Vault:         v,
		Queue:         q,
		Chat:          ex,
		Storage:       st,
		Resolver:      r,
		Models:        m,
		Tokens:        tokens,
		SchemaVersion: schemaVersion,
	}
}

// caller returns the authenticated identity, or writes 401 and returns
// nil on paths that somehow bypassed the auth middleware.
func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) *middleware.Identity {
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	return id
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Error().Err(err).Msg("encode response")
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps domain errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	var validation *contracts.ValidationError
	var credential *credentials.ErrInvalidCredential
	var badToken *vault.ErrInvalidToken
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &credential), errors.As(err, &badToken):
		// Undecryptable ciphertext gets the same answer whether it
		// surfaces from the resolver or from a direct reveal.
		respondError(w, http.StatusUnauthorized, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ── Health ──────────────────────────────────────────────────

// Health reports store reachability and schema currency. Degraded
// deployments answer 503 so load balancers stop routing to them.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := contracts.HealthResponse{Status: "healthy"}

	if err := h.Store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Checks.Database = "unreachable: " + err.Error()
	} else {
		resp.Checks.Database = "ok"
	}

	version, err := h.Store.MigrationVersion(r.Context())
	if err != nil {
		resp.Status = "degraded"
	}
	resp.Checks.Migrations = contracts.MigrationsHealth{
		CurrentVersion: version,
		NeedsMigration: version < h.SchemaVersion,
	}
	if resp.Checks.Migrations.NeedsMigration {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
