package handlers

import (
	"net/http"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/contracts"
)

// snippetRunes caps how much chunk or source text a search hit carries.
const snippetRunes = 400

// Search runs owner-scoped text or vector search. Text search is a
// substring match over titles and full text; vector search embeds the
// query with the caller's configured embedding model and ranks the
// caller's chunks by cosine similarity.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	id := h.caller(w, r)
	if id == nil {
		return
	}
	var req contracts.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		respondStoreError(w, err)
		return
	}

	var hits []contracts.SearchHit
	var err error
	switch req.Type {
	case contracts.SearchTypeText:
		hits, err = h.searchText(r, id.UserID, &req)
	case contracts.SearchTypeVector:
		hits, err = h.searchVector(r, id.UserID, &req)
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if hits == nil {
		hits = []contracts.SearchHit{}
	}
	respondJSON(w, http.StatusOK, contracts.SearchResponse{Type: req.Type, Hits: hits})
}

func (h *Handlers) searchText(r *http.Request, owner string, req *contracts.SearchRequest) ([]contracts.SearchHit, error) {
	matches, err := h.Store.SearchSourcesText(r.Context(), owner, req.Query, req.Limit)
	if err != nil {
		return nil, err
	}
	hits := make([]contracts.SearchHit, len(matches))
	for i, src := range matches {
		hits[i] = contracts.SearchHit{
			SourceID: src.ID,
			Title:    src.Title,
			Content:  truncate(src.FullText, snippetRunes),
		}
	}
	return hits, nil
}

func (h *Handlers) searchVector(r *http.Request, owner string, req *contracts.SearchRequest) ([]contracts.SearchHit, error) {
	creds, err := h.Resolver.Resolve(r.Context(), owner)
	if err != nil {
		return nil, err
	}
	ref, err := h.embeddingModel(r, owner)
	if err != nil {
		return nil, err
	}
	embedder, err := h.Models.Embedder(r.Context(), ref, creds)
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.Embed(r.Context(), []string{req.Query})
	if err != nil {
		return nil, err
	}

	scored, err := h.Store.SearchChunksByVector(r.Context(), owner, vectors[0], req.Limit)
	if err != nil {
		return nil, err
	}
	hits := make([]contracts.SearchHit, len(scored))
	for i, sc := range scored {
		hits[i] = contracts.SearchHit{
			SourceID: sc.Chunk.Source,
			Content:  truncate(sc.Chunk.Content, snippetRunes),
			Score:    sc.Score,
		}
	}
	return hits, nil
}

func (h *Handlers) embeddingModel(r *http.Request, owner string) (ai.ModelRef, error) {
	name := ai.DefaultEmbeddingModel
	if cfg, err := h.Store.GetModelConfig(r.Context(), owner); err == nil && cfg.EmbeddingModel != "" {
		name = cfg.EmbeddingModel
	} else if err != nil && !store.IsNotFound(err) {
		return ai.ModelRef{}, err
	}
	return ai.ParseModelRef(name)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
