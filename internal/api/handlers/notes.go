package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

func (h *Handlers) ListNotes(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListNotes(r.Context(), id.UserID, r.URL.Query().Get("notebook"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Note{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) CreateNote(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.NoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}
	if _, err := h.Store.GetNotebook(r.Context(), id.UserID, req.Notebook); err != nil {
		respondStoreError(w, err)
		return
	}

	note := &models.Note{Title: req.Title, Content: req.Content, Owner: id.UserID, Notebook: req.Notebook}
	if err := h.Store.CreateNote(r.Context(), note); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, note)
}

func (h *Handlers) GetNote(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	note, err := h.Store.GetNote(r.Context(), id.UserID, chi.URLParam(r, "noteID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, note)
}

func (h *Handlers) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	note, err := h.Store.GetNote(r.Context(), id.UserID, chi.URLParam(r, "noteID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req contracts.NoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title != "" {
		note.Title = req.Title
	}
	if req.Content != "" {
		note.Content = req.Content
	}
	if err := h.Store.UpdateNote(r.Context(), note); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, note)
}

func (h *Handlers) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	if err := h.Store.DeleteNote(r.Context(), id.UserID, chi.URLParam(r, "noteID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
