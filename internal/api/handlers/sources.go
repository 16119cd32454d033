package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/sources"
	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// syncProcessingTimeout bounds synchronous ingestion; it matches the
// worker's extraction budget.
const syncProcessingTimeout = 5 * time.Minute

// maxUploadMemory caps multipart form memory; larger files spill to disk.
const maxUploadMemory = 8 << 20

// CreateSource accepts upload (multipart), link, or text sources,
// creates the record, and enqueues processing. With async_processing the
// response carries the queued source plus the command id to poll; the
// synchronous path blocks until the pipeline finishes and returns the
// populated source.
func (h *Handlers) CreateSource(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}

	var req contracts.CreateSourceRequest
	var asset models.Asset

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		path, ok := h.saveUploadForm(w, r, &req)
		if !ok {
			return
		}
		req.Type = contracts.SourceTypeUpload
		asset = models.Asset{Kind: models.AssetUpload, FilePath: path}
	} else {
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			respondStoreError(w, err)
			return
		}
		switch req.Type {
		case contracts.SourceTypeLink:
			asset = models.Asset{Kind: models.AssetLink, URL: req.URL}
		case contracts.SourceTypeText:
			asset = models.Asset{Kind: models.AssetText, Inline: req.Content}
		}
	}

	src := &models.Source{
		Title:  req.Title,
		Owner:  id.UserID,
		Asset:  asset,
		Status: models.SourceQueued,
	}
	if err := h.Store.CreateSource(r.Context(), src); err != nil {
		respondStoreError(w, err)
		return
	}

	job := sources.Job{
		SourceID:          src.ID,
		NotebookIDs:       req.NotebookIDs,
		TransformationIDs: req.Transformations,
		Embed:             req.Embed,
		DeleteSource:      req.DeleteSource,
		UserID:            id.UserID,
	}

	if req.Async() {
		commandID, err := h.Queue.Submit(r.Context(), "source", "process", job.Input())
		if err != nil {
			respondStoreError(w, err)
			return
		}
		src.Command = commandID
		if err := h.Store.UpdateSource(r.Context(), src); err != nil {
			log.Warn().Err(err).Str("source_id", src.ID).Msg("record command on source")
		}
		respondJSON(w, http.StatusCreated, contracts.CreateSourceResponse{Source: src, CommandID: commandID})
		return
	}

	if _, err := h.Queue.ExecuteSync(r.Context(), "source", "process", job.Input(), syncProcessingTimeout); err != nil {
		respondStoreError(w, err)
		return
	}
	done, err := h.Store.GetSource(r.Context(), id.UserID, src.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, contracts.CreateSourceResponse{Source: done})
}

// saveUploadForm streams the multipart file to the uploads directory and
// fills req from the form fields.
func (h *Handlers) saveUploadForm(w http.ResponseWriter, r *http.Request, req *contracts.CreateSourceRequest) (string, bool) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart body")
		return "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "multipart body must contain a single 'file'")
		return "", false
	}
	defer file.Close()

	req.Title = r.FormValue("title")
	req.NotebookIDs = r.Form["notebook_ids"]
	req.Transformations = r.Form["transformations"]
	req.Embed = formBool(r, "embed", false)
	async := formBool(r, "async_processing", true)
	req.AsyncProcessing = &async
	req.DeleteSource = formBool(r, "delete_source", false)

	path, err := h.Storage.SaveUpload(header.Filename, file)
	if err != nil {
		respondStoreError(w, err)
		return "", false
	}
	return path, true
}

func formBool(r *http.Request, field string, fallback bool) bool {
	v := r.FormValue(field)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListSources(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Source{}
	}
	respondJSON(w, http.StatusOK, list)
}

// GetSource is the ingestion polling endpoint: status, error_message,
// and content once completed.
func (h *Handlers) GetSource(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	src, err := h.Store.GetSource(r.Context(), id.UserID, chi.URLParam(r, "sourceID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, src)
}

func (h *Handlers) DeleteSource(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	sourceID := chi.URLParam(r, "sourceID")
	src, err := h.Store.GetSource(r.Context(), id.UserID, sourceID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.Store.DeleteSource(r.Context(), id.UserID, sourceID); err != nil {
		respondStoreError(w, err)
		return
	}
	if src.Asset.Kind == models.AssetUpload && src.Asset.FilePath != "" {
		if err := h.Storage.DeleteUpload(src.Asset.FilePath); err != nil {
			log.Warn().Err(err).Str("path", src.Asset.FilePath).Msg("delete source upload")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetrySource enqueues a fresh processing command with the prior input.
// A completed source needs force; a source with an active command is a
// conflict.
func (h *Handlers) RetrySource(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	sourceID := chi.URLParam(r, "sourceID")
	src, err := h.Store.GetSource(r.Context(), id.UserID, sourceID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req contracts.RetrySourceRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if src.Status == models.SourceCompleted && !req.Force {
		respondStoreError(w, &contracts.ValidationError{Field: "force", Reason: "source already completed; pass force to reprocess"})
		return
	}

	active, err := h.Store.CountActiveCommandsForSource(r.Context(), src.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if active > 0 {
		respondError(w, http.StatusConflict, "source already has an active command")
		return
	}

	input := h.priorInput(r, src)
	commandID, err := h.Queue.Submit(r.Context(), "source", "process", input)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	src.Status = models.SourceQueued
	src.ErrorMessage = ""
	src.Command = commandID
	if err := h.Store.UpdateSource(r.Context(), src); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("source_id", src.ID).Str("command_id", commandID).Msg("source retry enqueued")
	respondJSON(w, http.StatusAccepted, contracts.CreateSourceResponse{Source: src, CommandID: commandID})
}

// priorInput replays the last command's input so a retry is byte-for-
// byte the same job; sources that predate command tracking fall back to
// a minimal job.
func (h *Handlers) priorInput(r *http.Request, src *models.Source) map[string]interface{} {
	if src.Command != "" {
		if prior, err := h.Store.GetCommand(r.Context(), src.Command); err == nil && len(prior.Input) > 0 {
			return prior.Input
		}
	}
	return sources.Job{SourceID: src.ID, UserID: src.Owner}.Input()
}

// ListSourceInsights returns the transformation outputs of one source.
func (h *Handlers) ListSourceInsights(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	insights, err := h.Store.ListInsights(r.Context(), id.UserID, chi.URLParam(r, "sourceID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if insights == nil {
		insights = []models.Insight{}
	}
	respondJSON(w, http.StatusOK, insights)
}
