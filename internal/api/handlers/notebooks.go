package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

func (h *Handlers) ListNotebooks(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListNotebooks(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Notebook{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) CreateNotebook(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.NotebookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}

	nb := &models.Notebook{Name: req.Name, Description: req.Description, Owner: id.UserID}
	if err := h.Store.CreateNotebook(r.Context(), nb); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, nb)
}

func (h *Handlers) GetNotebook(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	nb, err := h.Store.GetNotebook(r.Context(), id.UserID, chi.URLParam(r, "notebookID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nb)
}

func (h *Handlers) UpdateNotebook(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	nb, err := h.Store.GetNotebook(r.Context(), id.UserID, chi.URLParam(r, "notebookID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req contracts.NotebookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		nb.Name = req.Name
	}
	if req.Description != "" {
		nb.Description = req.Description
	}
	if req.Archived != nil {
		nb.Archived = *req.Archived
	}
	if err := h.Store.UpdateNotebook(r.Context(), nb); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nb)
}

func (h *Handlers) DeleteNotebook(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	if err := h.Store.DeleteNotebook(r.Context(), id.UserID, chi.URLParam(r, "notebookID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNotebookSources returns the sources attached to one notebook.
func (h *Handlers) ListNotebookSources(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListNotebookSources(r.Context(), id.UserID, chi.URLParam(r, "notebookID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Source{}
	}
	respondJSON(w, http.StatusOK, list)
}
