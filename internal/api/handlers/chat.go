package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/chat"
	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// ChatStream runs one chat turn as a server-sent event stream: one
// `data: <json>` frame per event, flushed immediately, terminated by a
// complete or error event. Errors after the first frame never change the
// HTTP status.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.ChatStreamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Ownership is validated before the stream opens so a foreign session
	// still gets a clean 404 instead of an error event.
	if _, err := h.Store.GetChatSession(r.Context(), id.UserID, req.SessionID); err != nil {
		respondStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	selected := chat.SelectedContext{
		Sources: contextItems(req.SelectedContext.Sources),
		Notes:   contextItems(req.SelectedContext.Notes),
	}
	err := h.Chat.Execute(r.Context(), id.UserID, req.SessionID, req.Message, selected, func(ev chat.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// The terminal error event already went out if the client was
		// still listening; this is for the server log only.
		log.Debug().Err(err).Str("session_id", req.SessionID).Msg("chat stream ended with error")
	}
}

func contextItems(items []contracts.ContextItem) []chat.ContextItem {
	out := make([]chat.ContextItem, len(items))
	for i, item := range items {
		out[i] = chat.ContextItem{ID: item.ID, Inclusion: item.Inclusion}
	}
	return out
}

// ── Chat sessions ───────────────────────────────────────────

func (h *Handlers) CreateChatSession(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.CreateChatSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Notebook == "" {
		respondStoreError(w, &contracts.ValidationError{Field: "notebook", Reason: "required"})
		return
	}
	// The notebook must exist under the caller before a session binds to
	// it.
	if _, err := h.Store.GetNotebook(r.Context(), id.UserID, req.Notebook); err != nil {
		respondStoreError(w, err)
		return
	}

	session := &models.ChatSession{Owner: id.UserID, Notebook: req.Notebook, Title: req.Title}
	if err := h.Store.CreateChatSession(r.Context(), session); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (h *Handlers) ListChatSessions(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListChatSessions(r.Context(), id.UserID, r.URL.Query().Get("notebook"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.ChatSession{}
	}
	respondJSON(w, http.StatusOK, list)
}

// GetChatSession returns the session together with its ordered messages.
func (h *Handlers) GetChatSession(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	session, err := h.Store.GetChatSession(r.Context(), id.UserID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	messages, err := h.Store.ListChatMessages(r.Context(), session.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handlers) DeleteChatSession(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	if err := h.Store.DeleteChatSession(r.Context(), id.UserID, chi.URLParam(r, "sessionID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
