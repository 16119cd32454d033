package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s store.Store, email string) *models.User {
	t.Helper()
	u := &models.User{Email: email, HashedPassword: "x", DisplayName: "Test"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%q) error = %v", email, err)
	}
	return u
}

// ─── User CRUD ──────────────────────────────────────────────

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "Alice@Example.com")
	if !strings.HasPrefix(u.ID, "user:") {
		t.Errorf("CreateUser() assigned ID = %q, want user: prefix", u.ID)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("GetUser().Email = %q, want lowercased %q", got.Email, "alice@example.com")
	}

	byEmail, err := s.GetUserByEmail(ctx, "ALICE@example.COM")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if byEmail.ID != u.ID {
		t.Errorf("GetUserByEmail().ID = %q, want %q", byEmail.ID, u.ID)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "user:missing")
	if !store.IsNotFound(err) {
		t.Errorf("GetUser(missing) error = %v, want ErrNotFound", err)
	}
}

// ─── Secrets ────────────────────────────────────────────────

func TestUpsertSecret_PreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "sec@example.com")

	first := &models.UserProviderSecret{User: u.ID, Provider: models.ProviderOpenAI, EncryptedValue: "enc1"}
	if err := s.UpsertSecret(ctx, first); err != nil {
		t.Fatalf("UpsertSecret() first error = %v", err)
	}

	second := &models.UserProviderSecret{User: u.ID, Provider: models.ProviderOpenAI, EncryptedValue: "enc2"}
	if err := s.UpsertSecret(ctx, second); err != nil {
		t.Fatalf("UpsertSecret() second error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("UpsertSecret() reassigned ID %q -> %q, want stable", first.ID, second.ID)
	}

	got, err := s.GetSecret(ctx, u.ID, models.ProviderOpenAI)
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if got.EncryptedValue != "enc2" {
		t.Errorf("GetSecret().EncryptedValue = %q, want %q", got.EncryptedValue, "enc2")
	}

	list, _ := s.ListSecrets(ctx, u.ID)
	if len(list) != 1 {
		t.Errorf("ListSecrets() returned %d, want 1", len(list))
	}
}

func TestDeleteSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "del@example.com")

	s.UpsertSecret(ctx, &models.UserProviderSecret{User: u.ID, Provider: models.ProviderAnthropic, EncryptedValue: "enc"})
	if err := s.DeleteSecret(ctx, u.ID, models.ProviderAnthropic); err != nil {
		t.Fatalf("DeleteSecret() error = %v", err)
	}
	if err := s.DeleteSecret(ctx, u.ID, models.ProviderAnthropic); !store.IsNotFound(err) {
		t.Errorf("DeleteSecret() twice error = %v, want ErrNotFound", err)
	}
}

// ─── Notebook ownership ─────────────────────────────────────

func TestNotebookOwnerIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice@example.com")
	bob := mustCreateUser(t, s, "bob@example.com")

	nb := &models.Notebook{Owner: alice.ID, Name: "Research"}
	if err := s.CreateNotebook(ctx, nb); err != nil {
		t.Fatalf("CreateNotebook() error = %v", err)
	}

	if _, err := s.GetNotebook(ctx, alice.ID, nb.ID); err != nil {
		t.Fatalf("GetNotebook() as owner error = %v", err)
	}

	// Another user's lookup is indistinguishable from a missing record.
	_, err := s.GetNotebook(ctx, bob.ID, nb.ID)
	if !store.IsNotFound(err) {
		t.Errorf("GetNotebook() as non-owner error = %v, want ErrNotFound", err)
	}

	bobList, _ := s.ListNotebooks(ctx, bob.ID)
	if len(bobList) != 0 {
		t.Errorf("ListNotebooks() for non-owner returned %d, want 0", len(bobList))
	}

	// Empty owner bypasses the filter (worker/admin paths).
	all, _ := s.ListNotebooks(ctx, "")
	if len(all) != 1 {
		t.Errorf("ListNotebooks(\"\") returned %d, want 1", len(all))
	}
}

func TestNotebookSourceLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "links@example.com")

	nb := &models.Notebook{Owner: u.ID, Name: "nb"}
	s.CreateNotebook(ctx, nb)
	src := &models.Source{Owner: u.ID, Title: "doc", Asset: models.Asset{Kind: models.AssetText}}
	s.CreateSource(ctx, src)

	if err := s.AddSourceToNotebook(ctx, nb.ID, src.ID); err != nil {
		t.Fatalf("AddSourceToNotebook() error = %v", err)
	}
	// Relating twice is a no-op, not an error.
	if err := s.AddSourceToNotebook(ctx, nb.ID, src.ID); err != nil {
		t.Fatalf("AddSourceToNotebook() repeat error = %v", err)
	}

	linked, err := s.ListNotebookSources(ctx, u.ID, nb.ID)
	if err != nil {
		t.Fatalf("ListNotebookSources() error = %v", err)
	}
	if len(linked) != 1 || linked[0].ID != src.ID {
		t.Errorf("ListNotebookSources() = %v, want [%s]", linked, src.ID)
	}

	if err := s.RemoveSourceFromNotebook(ctx, nb.ID, src.ID); err != nil {
		t.Fatalf("RemoveSourceFromNotebook() error = %v", err)
	}
	linked, _ = s.ListNotebookSources(ctx, u.ID, nb.ID)
	if len(linked) != 0 {
		t.Errorf("After remove, ListNotebookSources() returned %d, want 0", len(linked))
	}
}

// ─── Sources ────────────────────────────────────────────────

func TestSourceStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "src@example.com")

	src := &models.Source{Owner: u.ID, Title: "doc", Asset: models.Asset{Kind: models.AssetText}}
	if err := s.CreateSource(ctx, src); err != nil {
		t.Fatalf("CreateSource() error = %v", err)
	}
	if src.Status != models.SourceQueued {
		t.Errorf("CreateSource() default status = %q, want %q", src.Status, models.SourceQueued)
	}

	if err := s.SetSourceStatus(ctx, src.ID, models.SourceFailed, "fetch timed out"); err != nil {
		t.Fatalf("SetSourceStatus() error = %v", err)
	}
	got, _ := s.GetSource(ctx, u.ID, src.ID)
	if got.Status != models.SourceFailed || got.ErrorMessage != "fetch timed out" {
		t.Errorf("After SetSourceStatus, got status=%q message=%q", got.Status, got.ErrorMessage)
	}

	s.SetSourceStatus(ctx, src.ID, models.SourceRunning, "")
	got, _ = s.GetSource(ctx, u.ID, src.ID)
	if got.ErrorMessage != "" {
		t.Errorf("After reset, ErrorMessage = %q, want empty", got.ErrorMessage)
	}
}

func TestDeleteSource_CascadesChunksAndInsights(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "cascade@example.com")

	src := &models.Source{Owner: u.ID, Title: "doc", Asset: models.Asset{Kind: models.AssetText}}
	s.CreateSource(ctx, src)
	s.CreateChunks(ctx, []models.Chunk{
		{Source: src.ID, Index: 0, Content: "a"},
		{Source: src.ID, Index: 1, Content: "b"},
	})
	s.CreateInsight(ctx, &models.Insight{Source: src.ID, Transformation: "transformation:t1", Content: "..."})

	if err := s.DeleteSource(ctx, u.ID, src.ID); err != nil {
		t.Fatalf("DeleteSource() error = %v", err)
	}

	chunks, _ := s.ListChunks(ctx, src.ID)
	if len(chunks) != 0 {
		t.Errorf("After DeleteSource, ListChunks() returned %d, want 0", len(chunks))
	}
	if _, err := s.GetSource(ctx, u.ID, src.ID); !store.IsNotFound(err) {
		t.Errorf("After DeleteSource, GetSource() error = %v, want ErrNotFound", err)
	}
}

func TestSearchSourcesText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "search@example.com")
	other := mustCreateUser(t, s, "other@example.com")

	s.CreateSource(ctx, &models.Source{Owner: u.ID, Title: "Quantum Computing", FullText: "qubits and gates"})
	s.CreateSource(ctx, &models.Source{Owner: u.ID, Title: "Gardening", FullText: "soil contains quantum nothing"})
	s.CreateSource(ctx, &models.Source{Owner: other.ID, Title: "Quantum Leaks", FullText: "secret"})

	hits, err := s.SearchSourcesText(ctx, u.ID, "quantum", 10)
	if err != nil {
		t.Fatalf("SearchSourcesText() error = %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("SearchSourcesText() returned %d, want 2 (owner-filtered)", len(hits))
	}

	hits, _ = s.SearchSourcesText(ctx, u.ID, "quantum", 1)
	if len(hits) != 1 {
		t.Errorf("SearchSourcesText() with limit 1 returned %d", len(hits))
	}
}

// ─── Chunks and vector search ───────────────────────────────

func TestChunkEmbeddingCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "chunks@example.com")

	src := &models.Source{Owner: u.ID, Title: "doc"}
	s.CreateSource(ctx, src)
	s.CreateChunks(ctx, []models.Chunk{
		{Source: src.ID, Index: 0, Content: "a", Embedding: []float32{1, 0}},
		{Source: src.ID, Index: 1, Content: "b"},
		{Source: src.ID, Index: 2, Content: "c", Embedding: []float32{0, 1}},
	})

	n, err := s.CountEmbeddedChunks(ctx, src.ID)
	if err != nil {
		t.Fatalf("CountEmbeddedChunks() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountEmbeddedChunks() = %d, want 2", n)
	}

	chunks, _ := s.ListChunks(ctx, src.ID)
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("ListChunks()[%d].Index = %d, want ascending order", i, c.Index)
		}
	}
}

func TestSearchChunksByVector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "vec@example.com")
	other := mustCreateUser(t, s, "vecother@example.com")

	mine := &models.Source{Owner: u.ID, Title: "mine"}
	s.CreateSource(ctx, mine)
	theirs := &models.Source{Owner: other.ID, Title: "theirs"}
	s.CreateSource(ctx, theirs)

	s.CreateChunks(ctx, []models.Chunk{
		{Source: mine.ID, Index: 0, Content: "exact", Embedding: []float32{1, 0, 0}},
		{Source: mine.ID, Index: 1, Content: "near", Embedding: []float32{0.9, 0.1, 0}},
		{Source: mine.ID, Index: 2, Content: "far", Embedding: []float32{0, 0, 1}},
		{Source: theirs.ID, Index: 0, Content: "leaked", Embedding: []float32{1, 0, 0}},
	})

	hits, err := s.SearchChunksByVector(ctx, u.ID, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchChunksByVector() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("SearchChunksByVector() returned %d, want 2", len(hits))
	}
	if hits[0].Chunk.Content != "exact" || hits[1].Chunk.Content != "near" {
		t.Errorf("SearchChunksByVector() order = [%s %s], want [exact near]", hits[0].Chunk.Content, hits[1].Chunk.Content)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("Scores not descending: %f then %f", hits[0].Score, hits[1].Score)
	}
	for _, h := range hits {
		if h.Chunk.Content == "leaked" {
			t.Error("SearchChunksByVector() returned another owner's chunk")
		}
	}
}

// ─── Transformations ────────────────────────────────────────

func TestTransformations_SystemVisibleToAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "tr@example.com")
	other := mustCreateUser(t, s, "trother@example.com")

	system := &models.Transformation{Name: "Summarize", PromptTemplate: "Summarize this."}
	s.CreateTransformation(ctx, system)
	private := &models.Transformation{Owner: u.ID, Name: "Mine", PromptTemplate: "..."}
	s.CreateTransformation(ctx, private)

	mine, _ := s.ListTransformations(ctx, u.ID)
	if len(mine) != 2 {
		t.Errorf("ListTransformations() for owner returned %d, want 2 (system + own)", len(mine))
	}
	others, _ := s.ListTransformations(ctx, other.ID)
	if len(others) != 1 {
		t.Errorf("ListTransformations() for other returned %d, want 1 (system only)", len(others))
	}

	if _, err := s.GetTransformation(ctx, other.ID, system.ID); err != nil {
		t.Errorf("GetTransformation(system) error = %v", err)
	}
	if _, err := s.GetTransformation(ctx, other.ID, private.ID); !store.IsNotFound(err) {
		t.Errorf("GetTransformation(other's) error = %v, want ErrNotFound", err)
	}
}

// ─── Chat sessions ──────────────────────────────────────────

func TestAppendChatMessage_AssignsSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "chat@example.com")

	nb := &models.Notebook{Owner: u.ID, Name: "nb"}
	s.CreateNotebook(ctx, nb)
	sess := &models.ChatSession{Owner: u.ID, Notebook: nb.ID, Title: "session"}
	if err := s.CreateChatSession(ctx, sess); err != nil {
		t.Fatalf("CreateChatSession() error = %v", err)
	}

	for i, role := range []models.ChatRole{models.RoleUser, models.RoleAssistant, models.RoleUser} {
		msg := &models.ChatMessage{Session: sess.ID, Role: role, Content: "m"}
		if err := s.AppendChatMessage(ctx, msg); err != nil {
			t.Fatalf("AppendChatMessage(%d) error = %v", i, err)
		}
		if msg.Seq != i+1 {
			t.Errorf("AppendChatMessage(%d) assigned Seq = %d, want %d", i, msg.Seq, i+1)
		}
	}

	msgs, err := s.ListChatMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListChatMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("ListChatMessages() returned %d, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != i+1 {
			t.Errorf("ListChatMessages()[%d].Seq = %d, want %d", i, msg.Seq, i+1)
		}
	}
}

func TestDeleteChatSession_DropsMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "chatdel@example.com")

	sess := &models.ChatSession{Owner: u.ID, Notebook: "notebook:x", Title: "s"}
	s.CreateChatSession(ctx, sess)
	s.AppendChatMessage(ctx, &models.ChatMessage{Session: sess.ID, Role: models.RoleUser, Content: "hi"})

	if err := s.DeleteChatSession(ctx, u.ID, sess.ID); err != nil {
		t.Fatalf("DeleteChatSession() error = %v", err)
	}
	msgs, _ := s.ListChatMessages(ctx, sess.ID)
	if len(msgs) != 0 {
		t.Errorf("After delete, ListChatMessages() returned %d, want 0", len(msgs))
	}
}

// ─── Command queue ──────────────────────────────────────────

func TestCommandClaimOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.Command{Namespace: "source", Name: "process", Input: map[string]interface{}{"n": "1"}}
	if err := s.CreateCommand(ctx, first); err != nil {
		t.Fatalf("CreateCommand() error = %v", err)
	}
	time.Sleep(time.Millisecond)
	second := &models.Command{Namespace: "source", Name: "process", Input: map[string]interface{}{"n": "2"}}
	s.CreateCommand(ctx, second)

	claimed, err := s.ClaimNextCommand(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextCommand() error = %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("ClaimNextCommand() = %v, want oldest command %s", claimed, first.ID)
	}
	if claimed.Status != models.CommandRunning {
		t.Errorf("Claimed status = %q, want %q", claimed.Status, models.CommandRunning)
	}
	if claimed.Attempts != 1 {
		t.Errorf("Claimed attempts = %d, want 1", claimed.Attempts)
	}
	if claimed.ClaimedAt == nil || claimed.ClaimedBy != "worker-1" {
		t.Errorf("Claim metadata = (%v, %q), want set", claimed.ClaimedAt, claimed.ClaimedBy)
	}

	// Second claim takes the remaining command; third finds the queue empty.
	next, _ := s.ClaimNextCommand(ctx, "worker-1")
	if next == nil || next.ID != second.ID {
		t.Fatalf("Second claim = %v, want %s", next, second.ID)
	}
	empty, err := s.ClaimNextCommand(ctx, "worker-1")
	if err != nil || empty != nil {
		t.Errorf("Empty claim = (%v, %v), want (nil, nil)", empty, err)
	}
}

func TestCommandCompleteAndFail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd := &models.Command{Namespace: "source", Name: "process"}
	s.CreateCommand(ctx, cmd)
	s.ClaimNextCommand(ctx, "w")

	if err := s.CompleteCommand(ctx, cmd.ID, map[string]interface{}{"chunks": 4}); err != nil {
		t.Fatalf("CompleteCommand() error = %v", err)
	}
	got, _ := s.GetCommand(ctx, cmd.ID)
	if got.Status != models.CommandComplete {
		t.Errorf("Status = %q, want %q", got.Status, models.CommandComplete)
	}
	if got.Result["chunks"] != 4 {
		t.Errorf("Result = %v, want chunks=4", got.Result)
	}

	other := &models.Command{Namespace: "source", Name: "process"}
	s.CreateCommand(ctx, other)
	s.ClaimNextCommand(ctx, "w")
	if err := s.FailCommand(ctx, other.ID, "boom"); err != nil {
		t.Fatalf("FailCommand() error = %v", err)
	}
	got, _ = s.GetCommand(ctx, other.ID)
	if got.Status != models.CommandFailed || got.ErrorMessage != "boom" {
		t.Errorf("After fail: status=%q message=%q", got.Status, got.ErrorMessage)
	}
}

func TestCancelCommand_OnlyWhileNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd := &models.Command{Namespace: "source", Name: "process"}
	s.CreateCommand(ctx, cmd)
	if err := s.CancelCommand(ctx, cmd.ID); err != nil {
		t.Fatalf("CancelCommand(new) error = %v", err)
	}
	got, _ := s.GetCommand(ctx, cmd.ID)
	if got.Status != models.CommandFailed {
		t.Errorf("Cancelled status = %q, want %q", got.Status, models.CommandFailed)
	}

	running := &models.Command{Namespace: "source", Name: "process"}
	s.CreateCommand(ctx, running)
	s.ClaimNextCommand(ctx, "w")
	if err := s.CancelCommand(ctx, running.ID); err != store.ErrConflict {
		t.Errorf("CancelCommand(running) error = %v, want ErrConflict", err)
	}
}

func TestReapExpiredCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd := &models.Command{Namespace: "source", Name: "process"}
	s.CreateCommand(ctx, cmd)

	// Claim and expire the lease three times; the third expiry exhausts
	// the retry budget.
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimNextCommand(ctx, "w")
		if err != nil || claimed == nil {
			t.Fatalf("ClaimNextCommand() attempt %d = (%v, %v)", attempt, claimed, err)
		}
		if claimed.Attempts != attempt {
			t.Fatalf("Attempts = %d, want %d", claimed.Attempts, attempt)
		}
		time.Sleep(2 * time.Millisecond)

		reset, failed, err := s.ReapExpiredCommands(ctx, time.Millisecond, 3)
		if err != nil {
			t.Fatalf("ReapExpiredCommands() error = %v", err)
		}
		if attempt < 3 {
			if reset != 1 || len(failed) != 0 {
				t.Fatalf("Reap after attempt %d = (reset=%d, failed=%d), want (1, 0)", attempt, reset, len(failed))
			}
		} else {
			if reset != 0 || len(failed) != 1 {
				t.Fatalf("Reap after attempt %d = (reset=%d, failed=%d), want (0, 1)", attempt, reset, len(failed))
			}
			if failed[0].ErrorMessage != "lease expired, retry budget exhausted" {
				t.Errorf("Failed message = %q", failed[0].ErrorMessage)
			}
		}
	}

	got, _ := s.GetCommand(ctx, cmd.ID)
	if got.Status != models.CommandFailed {
		t.Errorf("Final status = %q, want %q", got.Status, models.CommandFailed)
	}
}

func TestReap_FreshLeaseUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateCommand(ctx, &models.Command{Namespace: "source", Name: "process"})
	s.ClaimNextCommand(ctx, "w")

	reset, failed, err := s.ReapExpiredCommands(ctx, time.Hour, 3)
	if err != nil {
		t.Fatalf("ReapExpiredCommands() error = %v", err)
	}
	if reset != 0 || len(failed) != 0 {
		t.Errorf("Reap touched a live lease: reset=%d failed=%d", reset, len(failed))
	}
}

func TestCommandSignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateCommand(ctx, &models.Command{Namespace: "source", Name: "process"})

	select {
	case <-s.CommandSignals():
	case <-time.After(time.Second):
		t.Fatal("CommandSignals() did not fire after CreateCommand")
	}
}

func TestCountActiveCommandsForSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srcID := "source:abc"
	s.CreateCommand(ctx, &models.Command{
		Namespace: "source", Name: "process",
		Input: map[string]interface{}{"source_id": srcID},
	})
	done := &models.Command{
		Namespace: "source", Name: "process",
		Input: map[string]interface{}{"source_id": srcID},
	}
	s.CreateCommand(ctx, done)
	s.ClaimNextCommand(ctx, "w")
	// A completed command no longer counts as active.
	claimed, _ := s.ClaimNextCommand(ctx, "w")
	s.CompleteCommand(ctx, claimed.ID, nil)

	n, err := s.CountActiveCommandsForSource(ctx, srcID)
	if err != nil {
		t.Fatalf("CountActiveCommandsForSource() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountActiveCommandsForSource() = %d, want 1", n)
	}
}

// ─── Admin wipe ─────────────────────────────────────────────

func TestWipeUserData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	victim := mustCreateUser(t, s, "victim@example.com")
	bystander := mustCreateUser(t, s, "bystander@example.com")

	for _, owner := range []string{victim.ID, bystander.ID} {
		nb := &models.Notebook{Owner: owner, Name: "nb"}
		s.CreateNotebook(ctx, nb)
		src := &models.Source{Owner: owner, Title: "doc"}
		s.CreateSource(ctx, src)
		s.CreateChunks(ctx, []models.Chunk{{Source: src.ID, Index: 0, Content: "c"}})
		sess := &models.ChatSession{Owner: owner, Notebook: nb.ID, Title: "s"}
		s.CreateChatSession(ctx, sess)
		s.CreateEpisode(ctx, &models.Episode{Owner: owner, Name: "ep"})
		s.UpsertSecret(ctx, &models.UserProviderSecret{User: owner, Provider: models.ProviderOpenAI, EncryptedValue: "e"})
	}

	if err := s.WipeUserData(ctx, victim.ID); err != nil {
		t.Fatalf("WipeUserData() error = %v", err)
	}

	if nbs, _ := s.ListNotebooks(ctx, victim.ID); len(nbs) != 0 {
		t.Errorf("Victim notebooks remain: %d", len(nbs))
	}
	if srcs, _ := s.ListSources(ctx, victim.ID); len(srcs) != 0 {
		t.Errorf("Victim sources remain: %d", len(srcs))
	}
	if secrets, _ := s.ListSecrets(ctx, victim.ID); len(secrets) != 0 {
		t.Errorf("Victim secrets remain: %d", len(secrets))
	}
	if eps, _ := s.ListEpisodes(ctx, victim.ID); len(eps) != 0 {
		t.Errorf("Victim episodes remain: %d", len(eps))
	}

	// The account itself survives a data wipe.
	if _, err := s.GetUser(ctx, victim.ID); err != nil {
		t.Errorf("GetUser(victim) after wipe error = %v", err)
	}
	if nbs, _ := s.ListNotebooks(ctx, bystander.ID); len(nbs) != 1 {
		t.Errorf("Bystander notebooks = %d, want 1", len(nbs))
	}
	if secrets, _ := s.ListSecrets(ctx, bystander.ID); len(secrets) != 1 {
		t.Errorf("Bystander secrets = %d, want 1", len(secrets))
	}
}

// ─── Model config ───────────────────────────────────────────

func TestModelConfigUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "mc@example.com")

	if _, err := s.GetModelConfig(ctx, u.ID); !store.IsNotFound(err) {
		t.Errorf("GetModelConfig() before set error = %v, want ErrNotFound", err)
	}

	cfg := &models.ModelConfig{Owner: u.ID, ChatModel: "openai/gpt-4o-mini", EmbeddingModel: "openai/text-embedding-3-small"}
	if err := s.UpsertModelConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertModelConfig() error = %v", err)
	}

	cfg2 := &models.ModelConfig{Owner: u.ID, ChatModel: "anthropic/claude-sonnet", EmbeddingModel: "openai/text-embedding-3-small"}
	if err := s.UpsertModelConfig(ctx, cfg2); err != nil {
		t.Fatalf("UpsertModelConfig() second error = %v", err)
	}
	if cfg2.ID != cfg.ID {
		t.Errorf("Upsert reassigned ID %q -> %q", cfg.ID, cfg2.ID)
	}

	got, _ := s.GetModelConfig(ctx, u.ID)
	if got.ChatModel != "anthropic/claude-sonnet" {
		t.Errorf("GetModelConfig().ChatModel = %q", got.ChatModel)
	}
}
