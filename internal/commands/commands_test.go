package commands_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-notebook/open-notebook/internal/commands"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/internal/vault"
	"github.com/open-notebook/open-notebook/pkg/models"
)

func newQueue(t *testing.T, reg *commands.Registry) (*commands.Queue, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	v, err := vault.Open("", "", t.TempDir())
	if err != nil {
		t.Fatalf("vault.Open() error = %v", err)
	}
	return commands.NewQueue(s, reg, credentials.NewResolver(s, v)), s
}

func TestSubmit_UnknownHandlerFailsFast(t *testing.T) {
	q, _ := newQueue(t, commands.NewRegistry())

	if _, err := q.Submit(context.Background(), "source", "process", nil); err == nil {
		t.Error("Submit(unregistered handler) = nil error, want error")
	}
}

func TestExecute_UnknownHandlerFailsCommand(t *testing.T) {
	// A command persisted under a handle this build no longer registers
	// (e.g. after a rolling deploy) must fail within one tick.
	q, s := newQueue(t, commands.NewRegistry())
	ctx := context.Background()

	cmd := &models.Command{Namespace: "ghost", Name: "handler"}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimNextCommand(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextCommand() = %v, %v", claimed, err)
	}
	q.Execute(ctx, claimed)

	got, _ := s.GetCommand(ctx, cmd.ID)
	if got.Status != models.CommandFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "unknown handler" {
		t.Errorf("ErrorMessage = %q, want %q", got.ErrorMessage, "unknown handler")
	}
}

func TestExecute_SuccessPersistsResult(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register("demo", "echo", func(ctx context.Context, cmd *models.Command, _ credentials.Credentials) (map[string]interface{}, error) {
		return map[string]interface{}{"echo": cmd.InputString("msg")}, nil
	})
	q, s := newQueue(t, reg)
	ctx := context.Background()

	id, err := q.Submit(ctx, "demo", "echo", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	claimed, _ := s.ClaimNextCommand(ctx, "w1")
	q.Execute(ctx, claimed)

	got, _ := s.GetCommand(ctx, id)
	if got.Status != models.CommandComplete {
		t.Fatalf("Status = %q, want complete", got.Status)
	}
	if got.Result["echo"] != "hi" {
		t.Errorf("Result = %v, want echo=hi", got.Result)
	}
}

func TestExecute_FailureMirrorsOntoSource(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register("source", "process", func(context.Context, *models.Command, credentials.Credentials) (map[string]interface{}, error) {
		return nil, errors.New("extract: boom")
	})
	q, s := newQueue(t, reg)
	ctx := context.Background()

	src := &models.Source{Title: "t", Owner: "user:u1", Asset: models.Asset{Kind: models.AssetText}}
	if err := s.CreateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(ctx, "source", "process", map[string]interface{}{"source_id": src.ID}); err != nil {
		t.Fatal(err)
	}
	claimed, _ := s.ClaimNextCommand(ctx, "w1")
	q.Execute(ctx, claimed)

	got, _ := s.GetSource(ctx, "", src.ID)
	if got.Status != models.SourceFailed {
		t.Errorf("Source.Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "extract: boom" {
		t.Errorf("Source.ErrorMessage = %q, want stage-tagged message", got.ErrorMessage)
	}
}

func TestExecute_PanicIsCaught(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register("demo", "panics", func(context.Context, *models.Command, credentials.Credentials) (map[string]interface{}, error) {
		panic("kaboom")
	})
	q, s := newQueue(t, reg)
	ctx := context.Background()

	id, _ := q.Submit(ctx, "demo", "panics", nil)
	claimed, _ := s.ClaimNextCommand(ctx, "w1")
	q.Execute(ctx, claimed)

	got, _ := s.GetCommand(ctx, id)
	if got.Status != models.CommandFailed {
		t.Errorf("Status = %q, want failed after panic", got.Status)
	}
}

func TestExecute_HandlerSeesStoredCredentials(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	v, err := vault.Open("", "", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	enc, err := v.Encrypt("sk-user-token")
	if err != nil {
		t.Fatal(err)
	}
	u := &models.User{Email: "c@example.com", HashedPassword: "x"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertSecret(context.Background(), &models.UserProviderSecret{
		User: u.ID, Provider: models.ProviderOpenAI, EncryptedValue: enc,
	}); err != nil {
		t.Fatal(err)
	}

	var seen string
	reg := commands.NewRegistry()
	reg.Register("demo", "creds", func(_ context.Context, _ *models.Command, creds credentials.Credentials) (map[string]interface{}, error) {
		seen = creds.Token(models.ProviderOpenAI)
		return nil, nil
	})
	q := commands.NewQueue(s, reg, credentials.NewResolver(s, v))
	ctx := context.Background()

	if _, err := q.Submit(ctx, "demo", "creds", map[string]interface{}{"user_id": u.ID}); err != nil {
		t.Fatal(err)
	}
	claimed, _ := s.ClaimNextCommand(ctx, "w1")
	q.Execute(ctx, claimed)

	if seen != "sk-user-token" {
		t.Errorf("handler saw token %q, want decrypted stored secret", seen)
	}
}

func TestExecuteSync(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register("demo", "sync", func(context.Context, *models.Command, credentials.Credentials) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	q, _ := newQueue(t, reg)

	result, err := q.ExecuteSync(context.Background(), "demo", "sync", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("ExecuteSync() error = %v", err)
	}
	if result["ok"] != true {
		t.Errorf("ExecuteSync() result = %v, want ok=true", result)
	}
}

func TestExecuteSync_RunsOwnCommandUnderContention(t *testing.T) {
	// An older queued command belongs to whichever worker claims it;
	// the synchronous path must claim its own command by id, never the
	// queue head.
	olderRan := false
	reg := commands.NewRegistry()
	reg.Register("demo", "older", func(context.Context, *models.Command, credentials.Credentials) (map[string]interface{}, error) {
		olderRan = true
		return nil, nil
	})
	reg.Register("demo", "sync", func(context.Context, *models.Command, credentials.Credentials) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	q, s := newQueue(t, reg)
	ctx := context.Background()

	olderID, err := q.Submit(ctx, "demo", "older", nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := q.ExecuteSync(ctx, "demo", "sync", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("ExecuteSync() with a queued command error = %v", err)
	}
	if result["ok"] != true {
		t.Errorf("ExecuteSync() result = %v, want ok=true", result)
	}
	if olderRan {
		t.Error("older command's handler ran in the synchronous caller")
	}

	// The older command stays claimable for a real worker: still new, no
	// claim, no burned attempt.
	older, err := s.GetCommand(ctx, olderID)
	if err != nil {
		t.Fatal(err)
	}
	if older.Status != models.CommandNew {
		t.Errorf("older command status = %q, want new", older.Status)
	}
	if older.ClaimedBy != "" || older.Attempts != 0 {
		t.Errorf("older command claimed_by=%q attempts=%d, want unclaimed", older.ClaimedBy, older.Attempts)
	}

	claimed, err := s.ClaimNextCommand(ctx, "w1")
	if err != nil || claimed == nil || claimed.ID != olderID {
		t.Fatalf("ClaimNextCommand() after sync = %+v, %v, want the older command", claimed, err)
	}
}

func TestClaimCommand_OnlyNewCommands(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	cmd := &models.Command{Namespace: "demo", Name: "noop"}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimCommand(ctx, cmd.ID, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimCommand(new) = %+v, %v", claimed, err)
	}
	if claimed.Status != models.CommandRunning || claimed.ClaimedBy != "w1" || claimed.Attempts != 1 {
		t.Errorf("claimed = status %q claimed_by %q attempts %d", claimed.Status, claimed.ClaimedBy, claimed.Attempts)
	}

	// A second claimant backs off instead of stealing the claim.
	again, err := s.ClaimCommand(ctx, cmd.ID, "w2")
	if err != nil || again != nil {
		t.Errorf("ClaimCommand(running) = %+v, %v, want nil, nil", again, err)
	}

	if _, err := s.ClaimCommand(ctx, "command:missing", "w1"); !store.IsNotFound(err) {
		t.Errorf("ClaimCommand(missing) error = %v, want not found", err)
	}
}

func TestCancel_OnlyNewCommands(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register("demo", "noop", func(context.Context, *models.Command, credentials.Credentials) (map[string]interface{}, error) {
		return nil, nil
	})
	q, s := newQueue(t, reg)
	ctx := context.Background()

	id, _ := q.Submit(ctx, "demo", "noop", nil)
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel(new) error = %v", err)
	}
	got, _ := s.GetCommand(ctx, id)
	if got.Status != models.CommandFailed {
		t.Errorf("Status after cancel = %q, want failed", got.Status)
	}

	id2, _ := q.Submit(ctx, "demo", "noop", nil)
	if _, err := s.ClaimNextCommand(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel(ctx, id2); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Cancel(running) error = %v, want ErrConflict", err)
	}
}

func TestWorker_ProcessesSubmittedCommand(t *testing.T) {
	done := make(chan struct{})
	reg := commands.NewRegistry()
	reg.Register("demo", "signal", func(context.Context, *models.Command, credentials.Credentials) (map[string]interface{}, error) {
		close(done)
		return nil, nil
	})
	q, s := newQueue(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := commands.NewWorker(s, q, commands.WorkerOptions{})
	go w.Run(ctx)

	id, err := q.Submit(ctx, "demo", "signal", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not pick up the command within one tick budget")
	}

	// Terminal state lands shortly after the handler returns.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := s.GetCommand(ctx, id)
		if got.Status == models.CommandComplete {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("command status = %q, want complete", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReaper_ResetsThenExhaustsBudget(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	src := &models.Source{Title: "t", Owner: "user:u1", Asset: models.Asset{Kind: models.AssetText}}
	if err := s.CreateSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	cmd := &models.Command{Namespace: "source", Name: "process",
		Input: map[string]interface{}{"source_id": src.ID}}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	// Claims 1 and 2 expire and are handed back; claim 3 exhausts the
	// budget.
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, _ := s.ClaimNextCommand(ctx, "w1")
		if claimed == nil || claimed.Attempts != attempt {
			t.Fatalf("claim #%d = %+v", attempt, claimed)
		}
		time.Sleep(2 * time.Millisecond)
		reset, failed, err := s.ReapExpiredCommands(ctx, time.Millisecond, 3)
		if err != nil || reset != 1 || len(failed) != 0 {
			t.Fatalf("reap after claim #%d = (%d, %d, %v), want (1, 0, nil)", attempt, reset, len(failed), err)
		}
	}

	claimed, _ := s.ClaimNextCommand(ctx, "w1")
	if claimed == nil || claimed.Attempts != 3 {
		t.Fatalf("third claim = %+v, want attempts=3", claimed)
	}
	time.Sleep(2 * time.Millisecond)
	reset, failed, err := s.ReapExpiredCommands(ctx, time.Millisecond, 3)
	if err != nil || reset != 0 || len(failed) != 1 {
		t.Fatalf("final reap = (%d, %d, %v), want (0, 1, nil)", reset, len(failed), err)
	}

	got, _ := s.GetCommand(ctx, cmd.ID)
	if got.Status != models.CommandFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "lease expired, retry budget exhausted" {
		t.Errorf("ErrorMessage = %q, want reaper budget message", got.ErrorMessage)
	}
}
