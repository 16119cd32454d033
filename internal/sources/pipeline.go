package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/commands"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// Stage tags carried in error messages so a failed source names the node
// that raised.
const (
	StageExtract      = "extract"
	StagePersistEmbed = "persist_embed"
	StageTransform    = "transform"
)

// Embedding runs in batches of embedBatchSize texts, each batch under
// its own 30 s budget, at most embedParallel batches in flight.
const (
	embedBatchSize    = 10
	embedBatchTimeout = 30 * time.Second
	embedParallel     = 4
)

// StageError tags a pipeline failure with the node that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Models builds provider clients from per-request credentials. Production
// wires *ai.Factory; tests substitute stubs returning mocks.
type Models interface {
	ChatModel(ctx context.Context, ref ai.ModelRef, creds credentials.Credentials) (ai.ChatModel, error)
	Embedder(ctx context.Context, ref ai.ModelRef, creds credentials.Credentials) (ai.Embedder, error)
}

// Job is the pipeline input carried in the command's opaque map.
type Job struct {
	SourceID          string
	NotebookIDs       []string
	TransformationIDs []string
	Embed             bool
	DeleteSource      bool
	UserID            string
}

// Input serializes the job as command input.
func (j Job) Input() map[string]interface{} {
	return map[string]interface{}{
		"source_id":          j.SourceID,
		"notebook_ids":       j.NotebookIDs,
		"transformation_ids": j.TransformationIDs,
		"embed":              j.Embed,
		"delete_source":      j.DeleteSource,
		"user_id":            j.UserID,
	}
}

// JobFromCommand rebuilds a job from persisted command input.
func JobFromCommand(cmd *models.Command) Job {
	return Job{
		SourceID:          cmd.InputString("source_id"),
		NotebookIDs:       cmd.InputStrings("notebook_ids"),
		TransformationIDs: cmd.InputStrings("transformation_ids"),
		Embed:             cmd.InputBool("embed"),
		DeleteSource:      cmd.InputBool("delete_source"),
		UserID:            cmd.InputString("user_id"),
	}
}

// Pipeline is the three-node ingestion graph. One instance serves all
// workers; per-run state lives on the stack.
type Pipeline struct {
	store        store.Store
	models       Models
	extractor    *Extractor
	deleteUpload func(path string) error
}

func NewPipeline(s store.Store, m Models, ex *Extractor, deleteUpload func(string) error) *Pipeline {
	return &Pipeline{store: s, models: m, extractor: ex, deleteUpload: deleteUpload}
}

// RegisterHandlers binds the pipeline's command handlers.
func (p *Pipeline) RegisterHandlers(reg *commands.Registry) {
	reg.Register("source", "process", p.handleProcess)
	reg.Register("source", "reembed_all", p.handleReembedAll)
}

func (p *Pipeline) handleProcess(ctx context.Context, cmd *models.Command, creds credentials.Credentials) (map[string]interface{}, error) {
	job := JobFromCommand(cmd)
	if job.SourceID == "" {
		return nil, errors.New("process: input has no source_id")
	}
	if err := p.Run(ctx, job, creds); err != nil {
		return nil, err
	}
	return map[string]interface{}{"source_id": job.SourceID}, nil
}

// handleReembedAll re-chunks and re-embeds every completed source the
// user owns, e.g. after switching embedding models.
func (p *Pipeline) handleReembedAll(ctx context.Context, cmd *models.Command, creds credentials.Credentials) (map[string]interface{}, error) {
	userID := cmd.InputString("user_id")
	if userID == "" {
		return nil, errors.New("reembed_all: input has no user_id")
	}
	list, err := p.store.ListSources(ctx, userID)
	if err != nil {
		return nil, err
	}
	reembedded := 0
	for i := range list {
		src := &list[i]
		if src.FullText == "" {
			continue
		}
		if err := p.embedSource(ctx, src, userID, creds); err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		reembedded++
	}
	return map[string]interface{}{"sources": reembedded}, nil
}

// Run executes the graph on one source. Re-entry is safe: every node
// replaces what a prior attempt wrote.
func (p *Pipeline) Run(ctx context.Context, job Job, creds credentials.Credentials) error {
	src, err := p.store.GetSource(ctx, "", job.SourceID)
	if err != nil {
		return err
	}
	if err := p.store.SetSourceStatus(ctx, src.ID, models.SourceRunning, ""); err != nil {
		return err
	}
	log.Info().Str("source_id", src.ID).Str("kind", string(src.Asset.Kind)).Msg("ingestion started")

	extracted, err := p.extract(ctx, src)
	if err != nil {
		return &StageError{Stage: StageExtract, Err: err}
	}
	if err := p.persistEmbed(ctx, src, extracted, job, creds); err != nil {
		return &StageError{Stage: StagePersistEmbed, Err: err}
	}
	if err := p.transform(ctx, src, job, creds); err != nil {
		return &StageError{Stage: StageTransform, Err: err}
	}

	if err := p.store.SetSourceStatus(ctx, src.ID, models.SourceCompleted, ""); err != nil {
		return err
	}
	log.Info().Str("source_id", src.ID).Int("embedded_chunks", src.EmbeddedChunks).Msg("ingestion complete")
	return nil
}

// ── Node 1: extract ─────────────────────────────────────────

func (p *Pipeline) extract(ctx context.Context, src *models.Source) (*Extracted, error) {
	switch src.Asset.Kind {
	case models.AssetLink:
		return p.extractor.FromURL(ctx, src.Asset.URL)
	case models.AssetUpload:
		return p.extractor.FromFile(ctx, src.Asset.FilePath)
	case models.AssetText:
		return &Extracted{Markdown: src.Asset.Inline}, nil
	default:
		return nil, fmt.Errorf("unknown asset kind %q", src.Asset.Kind)
	}
}

// ── Node 2: persist + embed ─────────────────────────────────

func (p *Pipeline) persistEmbed(ctx context.Context, src *models.Source, extracted *Extracted, job Job, creds credentials.Credentials) error {
	src.FullText = extracted.Markdown
	src.ContentLength = utf8.RuneCountInString(src.FullText)
	if src.Title == "" && extracted.Title != "" {
		src.Title = extracted.Title
	}

	// Prior-attempt chunks go first regardless of the embed flag: a
	// retry with embed=false must not strand stale vectors.
	if err := p.store.DeleteChunks(ctx, src.ID); err != nil {
		return fmt.Errorf("delete prior chunks: %w", err)
	}
	src.EmbeddedChunks = 0

	if job.Embed {
		count, err := p.chunkAndEmbed(ctx, src, job.UserID, creds)
		if err != nil {
			return err
		}
		src.EmbeddedChunks = count
	}

	if err := p.store.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("persist source: %w", err)
	}

	for _, notebookID := range job.NotebookIDs {
		if err := p.store.AddSourceToNotebook(ctx, notebookID, src.ID); err != nil {
			return fmt.Errorf("attach to notebook %s: %w", notebookID, err)
		}
	}

	if job.DeleteSource && src.Asset.Kind == models.AssetUpload && p.deleteUpload != nil {
		CleanupUpload(p.deleteUpload, src.Asset.FilePath)
	}
	return nil
}

// embedSource is the standalone re-embed path: node 2's chunk+embed work
// without touching full_text or notebook edges.
func (p *Pipeline) embedSource(ctx context.Context, src *models.Source, userID string, creds credentials.Credentials) error {
	if err := p.store.DeleteChunks(ctx, src.ID); err != nil {
		return err
	}
	count, err := p.chunkAndEmbed(ctx, src, userID, creds)
	if err != nil {
		return err
	}
	src.EmbeddedChunks = count
	return p.store.UpdateSource(ctx, src)
}

func (p *Pipeline) chunkAndEmbed(ctx context.Context, src *models.Source, userID string, creds credentials.Credentials) (int, error) {
	ref, err := p.embeddingModel(ctx, userID)
	if err != nil {
		return 0, err
	}
	embedder, err := p.models.Embedder(ctx, ref, creds)
	if err != nil {
		return 0, err
	}

	texts := ChunkText(src.FullText, DefaultChunkSize, DefaultChunkOverlap)
	vectors, err := embedBatches(ctx, embedder, texts)
	if err != nil {
		return 0, err
	}

	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{
			Source:    src.ID,
			Index:     i,
			Content:   text,
			Embedding: vectors[i],
		}
	}
	if err := p.store.CreateChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("persist chunks: %w", err)
	}
	return len(chunks), nil
}

// embedBatches embeds texts in fixed-size batches, a bounded number in
// flight at once. Vector order matches text order.
func embedBatches(ctx context.Context, embedder ai.Embedder, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallel)

	for start := 0; start < len(texts); start += embedBatchSize {
		start := start
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, embedBatchTimeout)
			defer cancel()
			batch, err := embedder.Embed(bctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed batch at %d: %w", start, err)
			}
			if len(batch) != end-start {
				return fmt.Errorf("embed batch at %d: got %d vectors for %d texts", start, len(batch), end-start)
			}
			copy(vectors[start:], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// ── Node 3: transform ───────────────────────────────────────

func (p *Pipeline) transform(ctx context.Context, src *models.Source, job Job, creds credentials.Credentials) error {
	if len(job.TransformationIDs) == 0 {
		return nil
	}

	ref, err := p.chatModel(ctx, job.UserID)
	if err != nil {
		return err
	}
	model, err := p.models.ChatModel(ctx, ref, creds)
	if err != nil {
		return err
	}

	for _, tid := range job.TransformationIDs {
		tr, err := p.store.GetTransformation(ctx, job.UserID, tid)
		if err != nil {
			return err
		}
		// Insights from a prior attempt are replaced, not appended.
		if err := p.store.DeleteInsightsByTransformation(ctx, src.ID, tr.ID); err != nil {
			return err
		}

		reply, err := model.Generate(ctx, []ai.Message{
			{Role: models.RoleUser, Content: renderPrompt(tr.PromptTemplate, src.FullText)},
		}, nil)
		if err != nil {
			return fmt.Errorf("transformation %s: %w", tr.Name, err)
		}

		if err := p.store.CreateInsight(ctx, &models.Insight{
			Source:         src.ID,
			Transformation: tr.ID,
			Content:        reply,
		}); err != nil {
			return err
		}
		log.Debug().Str("source_id", src.ID).Str("transformation", tr.Name).Msg("insight created")
	}
	return nil
}

// renderPrompt substitutes the source text into a prompt template. A
// template without the placeholder gets the content appended.
func renderPrompt(template, content string) string {
	if strings.Contains(template, "{{content}}") {
		return strings.ReplaceAll(template, "{{content}}", content)
	}
	return template + "\n\n" + content
}

// ── Model selection ─────────────────────────────────────────

func (p *Pipeline) embeddingModel(ctx context.Context, userID string) (ai.ModelRef, error) {
	name := ai.DefaultEmbeddingModel
	if cfg, err := p.store.GetModelConfig(ctx, userID); err == nil && cfg.EmbeddingModel != "" {
		name = cfg.EmbeddingModel
	} else if err != nil && !store.IsNotFound(err) {
		return ai.ModelRef{}, err
	}
	return ai.ParseModelRef(name)
}

func (p *Pipeline) chatModel(ctx context.Context, userID string) (ai.ModelRef, error) {
	name := ai.DefaultChatModel
	if cfg, err := p.store.GetModelConfig(ctx, userID); err == nil && cfg.ChatModel != "" {
		name = cfg.ChatModel
	} else if err != nil && !store.IsNotFound(err) {
		return ai.ModelRef{}, err
	}
	return ai.ParseModelRef(name)
}
