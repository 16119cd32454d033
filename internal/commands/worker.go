package commands

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/models"
)

var tracer = otel.Tracer("open-notebook-worker")

// idlePoll bounds how long an idle worker sleeps between claim attempts
// when no notification arrives.
const idlePoll = time.Second

// reaperFailureMessage is persisted when a command runs out of lease
// renewals. Kept verbatim stable: the frontend matches on it.
const reaperFailureMessage = "lease expired, retry budget exhausted"

// Worker is the claim loop: one long-running goroutine per process that
// claims commands serially and runs them through the queue. Handlers may
// fan out internally; the claim itself stays single-file so the
// conditional-update claim is the only coordination between workers.
type Worker struct {
	store store.Store
	queue *Queue

	id             string
	lease          time.Duration
	reaperInterval time.Duration
	maxAttempts    int
}

// WorkerOptions tunes the claim lease and reaper sweep.
type WorkerOptions struct {
	Lease          time.Duration // claim lifetime before the reaper intervenes; default 10 min
	ReaperInterval time.Duration // sweep period; default 60 s
	MaxAttempts    int           // claim attempts before a command is abandoned; default 3
}

func NewWorker(s store.Store, q *Queue, opts WorkerOptions) *Worker {
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Worker{
		store:          s,
		queue:          q,
		id:             uuid.New().String(),
		lease:          opts.Lease,
		reaperInterval: opts.ReaperInterval,
		maxAttempts:    opts.MaxAttempts,
	}
}

// ID is the worker's claim attribution, recorded on every command it
// claims.
func (w *Worker) ID() string { return w.id }

// Run claims and executes commands until ctx ends. Abandoned claims are
// reaped on startup and every reaperInterval thereafter.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("worker_id", w.id).Dur("lease", w.lease).Msg("worker started")

	w.reap(ctx)
	reaper := time.NewTicker(w.reaperInterval)
	defer reaper.Stop()
	idle := time.NewTicker(idlePoll)
	defer idle.Stop()

	for {
		claimed, err := w.store.ClaimNextCommand(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("claim command")
		} else if claimed != nil {
			w.execute(ctx, claimed)
			continue // drain the queue before idling
		}

		select {
		case <-ctx.Done():
			log.Info().Str("worker_id", w.id).Msg("worker stopped")
			return
		case <-w.store.CommandSignals():
		case <-idle.C:
		case <-reaper.C:
			w.reap(ctx)
		}
	}
	log.Info().Str("worker_id", w.id).Msg("worker stopped")
}

// execute runs one claimed command under the lease deadline with a span
// per execution.
func (w *Worker) execute(ctx context.Context, cmd *models.Command) {
	ctx, span := tracer.Start(ctx, "command.execute")
	span.SetAttributes(
		attribute.String("command.id", cmd.ID),
		attribute.String("command.handle", cmd.Handle()),
		attribute.Int("command.attempts", cmd.Attempts),
	)
	defer span.End()

	deadline := time.Now().Add(w.lease)
	if cmd.ClaimedAt != nil {
		deadline = cmd.ClaimedAt.Add(w.lease)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	log.Info().Str("command_id", cmd.ID).Str("handle", cmd.Handle()).
		Int("attempts", cmd.Attempts).Msg("command claimed")
	w.queue.Execute(ctx, cmd)
}

// reap releases claims whose worker disappeared: running commands with a
// stale claimed_at go back to new, or to failed once the attempt budget
// is spent. Sources linked to abandoned commands are failed alongside.
func (w *Worker) reap(ctx context.Context) {
	reset, failed, err := w.store.ReapExpiredCommands(ctx, w.lease, w.maxAttempts)
	if err != nil {
		log.Error().Err(err).Msg("reap expired commands")
		return
	}
	for _, cmd := range failed {
		if sourceID := cmd.InputString("source_id"); sourceID != "" {
			if err := w.store.SetSourceStatus(ctx, sourceID, models.SourceFailed, reaperFailureMessage); err != nil && !store.IsNotFound(err) {
				log.Error().Err(err).Str("source_id", sourceID).Msg("fail source of reaped command")
			}
		}
	}
	if reset > 0 || len(failed) > 0 {
		log.Warn().Int("reset", reset).Int("failed", len(failed)).Msg("reaped expired command claims")
	}
}
