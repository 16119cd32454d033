package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/pkg/contracts"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// CreateEpisode records an episode and queues its generation. The heavy
// work (transcript, synthesis) always runs on the worker.
func (h *Handlers) CreateEpisode(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.CreateEpisodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}
	if _, err := h.Store.GetEpisodeProfile(r.Context(), id.UserID, req.Profile); err != nil {
		respondStoreError(w, err)
		return
	}
	if req.Notebook != "" {
		if _, err := h.Store.GetNotebook(r.Context(), id.UserID, req.Notebook); err != nil {
			respondStoreError(w, err)
			return
		}
	}

	ep := &models.Episode{
		Name:     req.Name,
		Owner:    id.UserID,
		Notebook: req.Notebook,
		Profile:  req.Profile,
		Status:   models.EpisodeQueued,
	}
	if err := h.Store.CreateEpisode(r.Context(), ep); err != nil {
		respondStoreError(w, err)
		return
	}

	cmdID, err := h.Queue.Submit(r.Context(), "podcast", "generate_episode", map[string]interface{}{
		"episode_id": ep.ID,
		"user_id":    id.UserID,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	ep.Command = cmdID
	if err := h.Store.UpdateEpisode(r.Context(), ep); err != nil {
		log.Warn().Err(err).Str("episode_id", ep.ID).Msg("record episode command")
	}

	respondJSON(w, http.StatusCreated, contracts.CreateEpisodeResponse{Episode: ep, CommandID: cmdID})
}

func (h *Handlers) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListEpisodes(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.Episode{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	ep, err := h.Store.GetEpisode(r.Context(), id.UserID, chi.URLParam(r, "episodeID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

func (h *Handlers) ListEpisodeProfiles(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListEpisodeProfiles(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.EpisodeProfile{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) ListSpeakerProfiles(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	list, err := h.Store.ListSpeakerProfiles(r.Context(), id.UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if list == nil {
		list = []models.SpeakerProfile{}
	}
	respondJSON(w, http.StatusOK, list)
}
