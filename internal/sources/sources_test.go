package sources_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/commands"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/sources"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/models"
)

func TestChunkText_ShortTextIsOneChunk(t *testing.T) {
	for _, n := range []int{0, 1, 999, 1000} {
		text := strings.Repeat("a", n)
		got := sources.ChunkText(text, 1000, 200)
		if len(got) != 1 || got[0] != text {
			t.Errorf("ChunkText(len %d) = %d chunks, want 1 identical chunk", n, len(got))
		}
	}
}

func TestChunkText_WindowCount(t *testing.T) {
	// For rune length L > size, count = ceil((L-overlap)/(size-overlap)).
	cases := []struct {
		length, want int
	}{
		{1001, 2},
		{1800, 2},
		{1801, 3},
		{2000, 3},
		{4200, 5},
	}
	for _, tc := range cases {
		got := sources.ChunkText(strings.Repeat("x", tc.length), 1000, 200)
		if len(got) != tc.want {
			t.Errorf("ChunkText(len %d) = %d chunks, want %d", tc.length, len(got), tc.want)
		}
	}
}

func TestChunkText_NeighboursShareOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 3000; i++ {
		b.WriteRune(rune('а' + i%30)) // multi-byte runes, boundary safety
	}
	chunks := sources.ChunkText(b.String(), 1000, 200)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}
	for i := 0; i < len(chunks)-1; i++ {
		tail := []rune(chunks[i])
		head := []rune(chunks[i+1])
		if string(tail[len(tail)-200:]) != string(head[:200]) {
			t.Errorf("chunks %d/%d do not share a 200-rune overlap", i, i+1)
		}
	}
	if got := strings.Join(dropOverlaps(chunks, 200), ""); got != b.String() {
		t.Error("reassembled chunks do not reproduce the input")
	}
}

func dropOverlaps(chunks []string, overlap int) []string {
	out := []string{chunks[0]}
	for _, c := range chunks[1:] {
		out = append(out, string([]rune(c)[overlap:]))
	}
	return out
}

// stubModels hands pre-built mocks to the pipeline.
type stubModels struct {
	chat  ai.ChatModel
	embed ai.Embedder
}

func (s *stubModels) ChatModel(context.Context, ai.ModelRef, credentials.Credentials) (ai.ChatModel, error) {
	return s.chat, nil
}

func (s *stubModels) Embedder(context.Context, ai.ModelRef, credentials.Credentials) (ai.Embedder, error) {
	return s.embed, nil
}

type fixture struct {
	store    store.Store
	pipeline *sources.Pipeline
	chat     *ai.MockChatModel
	embed    *ai.MockEmbedder
	user     *models.User
	notebook *models.Notebook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	u := &models.User{Email: "p@example.com", HashedPassword: "x"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	nb := &models.Notebook{Name: "research", Owner: u.ID}
	if err := s.CreateNotebook(ctx, nb); err != nil {
		t.Fatal(err)
	}

	chat := &ai.MockChatModel{Replies: []string{"summary text"}}
	embed := &ai.MockEmbedder{}
	p := sources.NewPipeline(s, &stubModels{chat: chat, embed: embed}, sources.NewExtractor(), nil)
	return &fixture{store: s, pipeline: p, chat: chat, embed: embed, user: u, notebook: nb}
}

func (f *fixture) addTextSource(t *testing.T, text string) *models.Source {
	t.Helper()
	src := &models.Source{
		Title: "note",
		Owner: f.user.ID,
		Asset: models.Asset{Kind: models.AssetText, Inline: text},
	}
	if err := f.store.CreateSource(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	return src
}

func TestPipeline_TextSourceEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := &models.Transformation{Name: "Summarize", PromptTemplate: "Summarize:\n\n{{content}}"}
	if err := f.store.CreateTransformation(ctx, tr); err != nil {
		t.Fatal(err)
	}

	text := strings.Repeat("research notes. ", 200) // 3200 runes → 4 chunks
	src := f.addTextSource(t, text)

	err := f.pipeline.Run(ctx, sources.Job{
		SourceID:          src.ID,
		NotebookIDs:       []string{f.notebook.ID},
		TransformationIDs: []string{tr.ID},
		Embed:             true,
		UserID:            f.user.ID,
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := f.store.GetSource(ctx, f.user.ID, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SourceCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.FullText != text {
		t.Error("FullText does not match the inline asset")
	}
	if got.ContentLength != len([]rune(text)) {
		t.Errorf("ContentLength = %d, want %d", got.ContentLength, len([]rune(text)))
	}
	if got.EmbeddedChunks != 4 {
		t.Errorf("EmbeddedChunks = %d, want 4", got.EmbeddedChunks)
	}

	chunks, err := f.store.ListChunks(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 4 {
		t.Fatalf("ListChunks() = %d chunks, want 4", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %d has no embedding", i)
		}
	}

	insights, err := f.store.ListInsights(ctx, f.user.ID, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 1 || insights[0].Content != "summary text" {
		t.Fatalf("insights = %+v, want one summary", insights)
	}

	attached, err := f.store.ListNotebookSources(ctx, f.user.ID, f.notebook.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attached) != 1 || attached[0].ID != src.ID {
		t.Errorf("notebook sources = %d, want the processed source attached", len(attached))
	}

	// The transformation prompt carried the source text.
	calls := f.chat.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0][0].Content, "research notes.") {
		t.Error("transformation prompt did not include the source content")
	}
}

func TestPipeline_RerunReplacesChunksAndInsights(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := &models.Transformation{Name: "Summarize", PromptTemplate: "{{content}}"}
	if err := f.store.CreateTransformation(ctx, tr); err != nil {
		t.Fatal(err)
	}
	src := f.addTextSource(t, strings.Repeat("z", 2500))
	job := sources.Job{SourceID: src.ID, TransformationIDs: []string{tr.ID}, Embed: true, UserID: f.user.ID}

	for i := 0; i < 2; i++ {
		if err := f.pipeline.Run(ctx, job, nil); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}

	chunks, _ := f.store.ListChunks(ctx, src.ID)
	if len(chunks) != 3 {
		t.Errorf("after rerun got %d chunks, want 3 (no stale leftovers)", len(chunks))
	}
	insights, _ := f.store.ListInsights(ctx, f.user.ID, src.ID)
	if len(insights) != 1 {
		t.Errorf("after rerun got %d insights, want 1", len(insights))
	}
}

func TestPipeline_RetryWithoutEmbedDropsStaleChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.addTextSource(t, strings.Repeat("z", 2500))

	if err := f.pipeline.Run(ctx, sources.Job{SourceID: src.ID, Embed: true, UserID: f.user.ID}, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.Run(ctx, sources.Job{SourceID: src.ID, Embed: false, UserID: f.user.ID}, nil); err != nil {
		t.Fatal(err)
	}

	chunks, _ := f.store.ListChunks(ctx, src.ID)
	if len(chunks) != 0 {
		t.Errorf("embed=false retry left %d chunks, want 0", len(chunks))
	}
	got, _ := f.store.GetSource(ctx, f.user.ID, src.ID)
	if got.EmbeddedChunks != 0 {
		t.Errorf("EmbeddedChunks = %d, want 0", got.EmbeddedChunks)
	}
}

func TestPipeline_EmbedFailureIsStageTagged(t *testing.T) {
	f := newFixture(t)
	f.embed.Err = errors.New("provider down")
	src := f.addTextSource(t, strings.Repeat("z", 1500))

	err := f.pipeline.Run(context.Background(), sources.Job{SourceID: src.ID, Embed: true, UserID: f.user.ID}, nil)
	if err == nil {
		t.Fatal("Run() = nil error, want embed failure")
	}
	var stage *sources.StageError
	if !errors.As(err, &stage) || stage.Stage != sources.StagePersistEmbed {
		t.Fatalf("error = %v, want StageError{persist_embed}", err)
	}
	if !strings.HasPrefix(err.Error(), "persist_embed: ") {
		t.Errorf("Error() = %q, want persist_embed prefix", err.Error())
	}
}

func TestPipeline_TransformFailureIsStageTagged(t *testing.T) {
	f := newFixture(t)
	f.chat.Err = errors.New("model unavailable")
	ctx := context.Background()

	tr := &models.Transformation{Name: "Summarize", PromptTemplate: "{{content}}"}
	if err := f.store.CreateTransformation(ctx, tr); err != nil {
		t.Fatal(err)
	}
	src := f.addTextSource(t, "short text")

	err := f.pipeline.Run(ctx, sources.Job{SourceID: src.ID, TransformationIDs: []string{tr.ID}, UserID: f.user.ID}, nil)
	var stage *sources.StageError
	if !errors.As(err, &stage) || stage.Stage != sources.StageTransform {
		t.Fatalf("error = %v, want StageError{transform}", err)
	}
}

func TestPipeline_ReembedAllUsesConfiguredModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.addTextSource(t, strings.Repeat("z", 1500))
	if err := f.pipeline.Run(ctx, sources.Job{SourceID: src.ID, Embed: true, UserID: f.user.ID}, nil); err != nil {
		t.Fatal(err)
	}
	// An empty source (never processed) is skipped, not failed.
	f.addTextSource(t, "unprocessed")

	reg := commands.NewRegistry()
	f.pipeline.RegisterHandlers(reg)
	cmd := &models.Command{
		Namespace: "source", Name: "reembed_all",
		Input: map[string]interface{}{"user_id": f.user.ID},
	}
	fn, ok := reg.Lookup(cmd.Namespace, cmd.Name)
	if !ok {
		t.Fatal("reembed_all handler not registered")
	}
	result, err := fn(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("reembed_all error = %v", err)
	}
	if result["sources"] != 1 {
		t.Errorf("result = %v, want sources=1", result)
	}
	chunks, _ := f.store.ListChunks(ctx, src.ID)
	if len(chunks) != 2 {
		t.Errorf("got %d chunks after re-embed, want 2", len(chunks))
	}
}
