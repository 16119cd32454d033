package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// errUnknownHandler is the persisted error message for a command whose
// (namespace, name) has no registered handler.
const errUnknownHandler = "unknown handler"

// Queue persists commands and executes them against the registry. The
// worker and the synchronous front-end share one execution path so
// status transitions and credential handling cannot drift apart.
type Queue struct {
	store    store.Store
	registry *Registry
	resolver *credentials.Resolver
}

func NewQueue(s store.Store, r *Registry, cr *credentials.Resolver) *Queue {
	return &Queue{store: s, registry: r, resolver: cr}
}

// Submit persists a new command with status new and returns its id
// without waiting. An unregistered (namespace, name) fails fast instead
// of parking a doomed job in the queue.
func (q *Queue) Submit(ctx context.Context, namespace, name string, input map[string]interface{}) (string, error) {
	if _, ok := q.registry.Lookup(namespace, name); !ok {
		return "", fmt.Errorf("submit %s.%s: %s", namespace, name, errUnknownHandler)
	}
	cmd := &models.Command{
		Namespace: namespace,
		Name:      name,
		Input:     input,
		Status:    models.CommandNew,
	}
	if err := q.store.CreateCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("submit %s.%s: %w", namespace, name, err)
	}
	log.Info().Str("command_id", cmd.ID).Str("handle", cmd.Handle()).Msg("command submitted")
	return cmd.ID, nil
}

// ExecuteSync persists a command and runs it in the calling goroutine
// under timeout, returning the handler result. CLI and test front-end;
// the HTTP layer always goes through Submit.
func (q *Queue) ExecuteSync(ctx context.Context, namespace, name string, input map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	id, err := q.Submit(ctx, namespace, name, input)
	if err != nil {
		return nil, err
	}
	// Claim by id so a concurrently queued command is never taken off
	// another worker's plate.
	cmd, err := q.store.ClaimCommand(ctx, id, "sync")
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		// Another worker grabbed it first; wait for its terminal state.
		return q.awaitResult(ctx, id, timeout)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	q.Execute(ctx, cmd)

	done, err := q.store.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if done.Status == models.CommandFailed {
		return nil, fmt.Errorf("command %s failed: %s", done.Handle(), done.ErrorMessage)
	}
	return done.Result, nil
}

func (q *Queue) awaitResult(ctx context.Context, id string, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	for {
		cmd, err := q.store.GetCommand(ctx, id)
		if err != nil {
			return nil, err
		}
		switch cmd.Status {
		case models.CommandComplete:
			return cmd.Result, nil
		case models.CommandFailed:
			return nil, fmt.Errorf("command %s failed: %s", cmd.Handle(), cmd.ErrorMessage)
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("command %s: timed out waiting for result", id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Cancel transitions a command from new directly to failed. Running
// commands are not preempted; the store rejects those with ErrConflict.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.store.CancelCommand(ctx, id)
}

// Execute dispatches one claimed command: resolve the submitter's
// credentials, run the handler, persist the terminal state, and mirror
// failure onto the linked source. Handler panics are caught and reified
// as failed like any other handler error.
func (q *Queue) Execute(ctx context.Context, cmd *models.Command) {
	handler, ok := q.registry.Lookup(cmd.Namespace, cmd.Name)
	if !ok {
		q.fail(ctx, cmd, errUnknownHandler)
		return
	}

	creds := credentials.Credentials{}
	if userID := cmd.InputString("user_id"); userID != "" && q.resolver != nil {
		var err error
		creds, err = q.resolver.Resolve(ctx, userID)
		if err != nil {
			q.fail(ctx, cmd, fmt.Sprintf("resolve credentials: %v", err))
			return
		}
	}

	result, err := q.invoke(ctx, handler, cmd, creds)
	if err != nil {
		q.fail(ctx, cmd, err.Error())
		return
	}

	if err := q.store.CompleteCommand(ctx, cmd.ID, result); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("persist command result")
		return
	}
	log.Info().Str("command_id", cmd.ID).Str("handle", cmd.Handle()).Msg("command complete")
}

func (q *Queue) invoke(ctx context.Context, handler HandlerFunc, cmd *models.Command, creds credentials.Credentials) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("command_id", cmd.ID).
				Bytes("stack", debug.Stack()).Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, cmd, creds)
}

// fail marks the command failed and propagates the message to the
// source named in its input, if any.
func (q *Queue) fail(ctx context.Context, cmd *models.Command, message string) {
	log.Warn().Str("command_id", cmd.ID).Str("handle", cmd.Handle()).
		Str("error", message).Msg("command failed")
	if err := q.store.FailCommand(ctx, cmd.ID, message); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("persist command failure")
	}
	if sourceID := cmd.InputString("source_id"); sourceID != "" {
		if err := q.store.SetSourceStatus(ctx, sourceID, models.SourceFailed, message); err != nil && !store.IsNotFound(err) {
			log.Error().Err(err).Str("source_id", sourceID).Msg("mirror failure onto source")
		}
	}
}
