package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// ListTransformations returns system transformations plus the caller's
// own.
func (h *Handlers) ListTransformations(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListTransformations(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Transformation{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) CreateTransformation(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.TransformationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}

	tr := &models.Transformation{Name: req.Name, PromptTemplate: req.PromptTemplate, Owner: id.UserID}
	if err := h.Store.CreateTransformation(r.Context(), tr); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tr)
}

func (h *Handlers) GetTransformation(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	tr, err := h.Store.GetTransformation(r.Context(), id.UserID, chi.URLParam(r, "transformationID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

// UpdateTransformation edits a caller-owned transformation. System rows
// are read-only.
func (h *Handlers) UpdateTransformation(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	tr, err := h.Store.GetTransformation(r.Context(), id.UserID, chi.URLParam(r, "transformationID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if tr.Owner == "" {
		respondStoreError(w, store.ErrForbidden)
		return
	}

	var req contracts.TransformationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		tr.Name = req.Name
	}
	if req.PromptTemplate != "" {
		tr.PromptTemplate = req.PromptTemplate
	}
	if err := h.Store.UpdateTransformation(r.Context(), tr); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

func (h *Handlers) DeleteTransformation(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	if err := h.Store.DeleteTransformation(r.Context(), id.UserID, chi.URLParam(r, "transformationID")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
