// Package chat is the streaming conversation executor: it builds a
// context block from the notebook material the caller selected, streams
// a model reply as an ordered event sequence, and persists the finished
// turn. Requests on the same session are serialized; sessions run in
// parallel.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// Event types, in emission order. A stream is
// user_message, token*, ai_message_complete, then complete — or error at
// any point, after which nothing follows.
const (
	EventUserMessage       = "user_message"
	EventToken             = "token"
	EventAIMessageComplete = "ai_message_complete"
	EventComplete          = "complete"
	EventError             = "error"
)

// Event is one element of the stream. Content carries the payload for
// user_message, token, and ai_message_complete; Message carries the
// error text.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// Inclusion levels for a selected source or note.
const (
	IncludeFull    = "full"
	IncludeSummary = "summary"
)

// ContextItem selects one source or note and how much of it to include.
type ContextItem struct {
	ID        string `json:"id"`
	Inclusion string `json:"inclusion"`
}

// SelectedContext names the notebook material to put in front of the
// model for this turn.
type SelectedContext struct {
	Sources []ContextItem `json:"sources,omitempty"`
	Notes   []ContextItem `json:"notes,omitempty"`
}

// tokenBurstTimeout bounds the silence between streamed fragments. A
// provider that stalls longer has its call aborted and the stream ends
// with an error event.
const tokenBurstTimeout = 60 * time.Second

// defaultContextBudget is the rune budget for the assembled prompt
// (context block plus history). Older history is dropped first.
const defaultContextBudget = 24_000

// summaryRunes caps how much of a note is quoted at summary inclusion.
const summaryRunes = 500

// Models builds a chat client from per-request credentials. Production
// wires *ai.Factory.
type Models interface {
	ChatModel(ctx context.Context, ref ai.ModelRef, creds credentials.Credentials) (ai.ChatModel, error)
}

// Executor runs chat turns. One instance serves all sessions.
type Executor struct {
	store    store.Store
	models   Models
	resolver *credentials.Resolver
	budget   int

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// Options tunes the executor.
type Options struct {
	ContextBudget int // rune budget for context block + history; default 24000
}

func NewExecutor(s store.Store, m Models, r *credentials.Resolver, opts Options) *Executor {
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = defaultContextBudget
	}
	return &Executor{
		store:    s,
		models:   m,
		resolver: r,
		budget:   opts.ContextBudget,
		sessions: make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing one session's turns. The map
// only grows, but entries are a mutex each and session churn is low.
func (e *Executor) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessions[sessionID] = lock
	}
	return lock
}

// Execute runs one turn. emit is called once per event in order; an
// error from emit means the client is gone, which aborts the model call
// and suppresses persistence of the whole turn. On success exactly two
// messages are appended to the session: the user's, then the
// assistant's.
func (e *Executor) Execute(ctx context.Context, callerID, sessionID, message string, selected SelectedContext, emit func(Event) error) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := e.store.GetChatSession(ctx, callerID, sessionID)
	if err != nil {
		return err
	}

	creds, err := e.resolver.Resolve(ctx, callerID)
	if err != nil {
		return e.fail(emit, err)
	}
	ref, err := e.chatModel(ctx, callerID)
	if err != nil {
		return e.fail(emit, err)
	}
	model, err := e.models.ChatModel(ctx, ref, creds)
	if err != nil {
		return e.fail(emit, err)
	}

	history, err := e.buildHistory(ctx, session, message, selected)
	if err != nil {
		return e.fail(emit, err)
	}

	if err := emit(Event{Type: EventUserMessage, Content: message}); err != nil {
		return err
	}

	// The watchdog cancels the model call when no fragment arrives
	// within the burst timeout; each token pushes it out again.
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(tokenBurstTimeout, cancel)
	defer watchdog.Stop()

	reply, err := model.Generate(genCtx, history, func(fragment string) error {
		watchdog.Reset(tokenBurstTimeout)
		return emit(Event{Type: EventToken, Content: fragment})
	})
	if err != nil {
		if ctx.Err() != nil {
			// Client disconnected: nothing is persisted and there is no
			// stream left to write an error event to.
			log.Debug().Str("session_id", sessionID).Msg("chat stream cancelled")
			return ctx.Err()
		}
		if genCtx.Err() != nil {
			err = fmt.Errorf("model stalled past %s", tokenBurstTimeout)
		}
		return e.fail(emit, err)
	}

	// Persist only after the full reply reached the client: a disconnect
	// observed at this write counts as a cancelled turn, same as one
	// mid-stream, and leaves no messages behind.
	if err := emit(Event{Type: EventAIMessageComplete, Content: reply}); err != nil {
		return err
	}
	if err := e.persistTurn(ctx, session.ID, message, reply); err != nil {
		return e.fail(emit, err)
	}
	return emit(Event{Type: EventComplete})
}

// fail writes the terminal error event; the returned error is the
// original cause for the caller's log.
func (e *Executor) fail(emit func(Event) error, cause error) error {
	if err := emit(Event{Type: EventError, Message: cause.Error()}); err != nil {
		return cause
	}
	return cause
}

func (e *Executor) persistTurn(ctx context.Context, sessionID, userText, assistantText string) error {
	if err := e.store.AppendChatMessage(ctx, &models.ChatMessage{
		Session: sessionID,
		Role:    models.RoleUser,
		Content: userText,
	}); err != nil {
		return err
	}
	return e.store.AppendChatMessage(ctx, &models.ChatMessage{
		Session: sessionID,
		Role:    models.RoleAssistant,
		Content: assistantText,
	})
}

// buildHistory assembles the prompt: a system message holding the
// selected notebook material, prior session messages, and the new user
// message. When the total exceeds the budget, older history goes first;
// the context block and the new message always survive.
func (e *Executor) buildHistory(ctx context.Context, session *models.ChatSession, message string, selected SelectedContext) ([]ai.Message, error) {
	block, err := e.contextBlock(ctx, session.Owner, selected)
	if err != nil {
		return nil, err
	}

	prior, err := e.store.ListChatMessages(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	spent := runeLen(block) + runeLen(message)
	var kept []ai.Message
	for i := len(prior) - 1; i >= 0; i-- {
		cost := runeLen(prior[i].Content)
		if spent+cost > e.budget {
			break
		}
		spent += cost
		kept = append(kept, ai.Message{Role: prior[i].Role, Content: prior[i].Content})
	}
	// kept is newest-first; reverse into chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	history := make([]ai.Message, 0, len(kept)+2)
	if block != "" {
		history = append(history, ai.Message{Role: models.RoleSystem, Content: block})
	}
	history = append(history, kept...)
	history = append(history, ai.Message{Role: models.RoleUser, Content: message})
	return history, nil
}

// contextBlock renders the selected sources and notes. Summary inclusion
// uses a source's insights when it has any, else a truncated excerpt.
func (e *Executor) contextBlock(ctx context.Context, owner string, selected SelectedContext) (string, error) {
	var b strings.Builder
	for _, item := range selected.Sources {
		src, err := e.store.GetSource(ctx, owner, item.ID)
		if err != nil {
			return "", err
		}
		text := src.FullText
		if item.Inclusion == IncludeSummary {
			text = e.sourceSummary(ctx, owner, src)
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "## Source: %s\n\n%s\n\n", src.Title, text)
	}
	for _, item := range selected.Notes {
		note, err := e.store.GetNote(ctx, owner, item.ID)
		if err != nil {
			return "", err
		}
		text := note.Content
		if item.Inclusion == IncludeSummary {
			text = truncateRunes(text, summaryRunes)
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "## Note: %s\n\n%s\n\n", note.Title, text)
	}
	if b.Len() == 0 {
		return "", nil
	}
	return "Use the following notebook material to answer.\n\n" + b.String(), nil
}

func (e *Executor) sourceSummary(ctx context.Context, owner string, src *models.Source) string {
	insights, err := e.store.ListInsights(ctx, owner, src.ID)
	if err != nil || len(insights) == 0 {
		return truncateRunes(src.FullText, summaryRunes)
	}
	parts := make([]string, len(insights))
	for i, ins := range insights {
		parts[i] = ins.Content
	}
	return strings.Join(parts, "\n\n")
}

func (e *Executor) chatModel(ctx context.Context, owner string) (ai.ModelRef, error) {
	name := ai.DefaultChatModel
	if cfg, err := e.store.GetModelConfig(ctx, owner); err == nil && cfg.ChatModel != "" {
		name = cfg.ChatModel
	} else if err != nil && !store.IsNotFound(err) {
		return ai.ModelRef{}, err
	}
	return ai.ParseModelRef(name)
}

func runeLen(s string) int { return len([]rune(s)) }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
