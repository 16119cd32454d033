// Package store provides the typed storage interface and implementations
// for the Open Notebook server. Handlers, the worker, and the pipeline all
// depend on this interface; implementations are PostgreSQL (production)
// and in-memory (tests, local dev).
//
// Every list/get takes the caller's owner id and appends the ownership
// filter to the statement. The empty owner bypasses the filter — reserved
// for the worker processing a claimed command and for endpoints tagged
// admin; HTTP handlers never forward an empty owner for a non-admin
// caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/open-notebook/open-notebook/pkg/models"
)

// Store is the primary storage interface for the server.
type Store interface {
	UserStore
	SecretStore
	NotebookStore
	SourceStore
	ChunkStore
	InsightStore
	TransformationStore
	NoteStore
	ChatStore
	EpisodeStore
	CommandStore
	ModelConfigStore
	AdminStore

	// Ping checks that the store is reachable; it must issue a trivial
	// scalar query, not a table scan.
	Ping(ctx context.Context) error

	// MigrationVersion returns the persisted schema version.
	MigrationVersion(ctx context.Context) (int, error)

	// Close releases all resources held by the store.
	Close() error
}

// ── User Store ──────────────────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
}

// ── Secret Store ────────────────────────────────────────────

// SecretStore persists encrypted provider credentials. Values stay
// ciphertext at this layer; decryption happens in the credentials
// resolver, never in a list path.
type SecretStore interface {
	ListSecrets(ctx context.Context, userID string) ([]models.UserProviderSecret, error)
	GetSecret(ctx context.Context, userID string, provider models.Provider) (*models.UserProviderSecret, error)
	UpsertSecret(ctx context.Context, secret *models.UserProviderSecret) error
	DeleteSecret(ctx context.Context, userID string, provider models.Provider) error
}

// ── Notebook Store ──────────────────────────────────────────

type NotebookStore interface {
	ListNotebooks(ctx context.Context, owner string) ([]models.Notebook, error)
	GetNotebook(ctx context.Context, owner, id string) (*models.Notebook, error)
	CreateNotebook(ctx context.Context, notebook *models.Notebook) error
	UpdateNotebook(ctx context.Context, notebook *models.Notebook) error
	DeleteNotebook(ctx context.Context, owner, id string) error

	// AddSourceToNotebook records the contains edge. Adding the same
	// pair twice is a no-op.
	AddSourceToNotebook(ctx context.Context, notebookID, sourceID string) error
	RemoveSourceFromNotebook(ctx context.Context, notebookID, sourceID string) error
	ListNotebookSources(ctx context.Context, owner, notebookID string) ([]models.Source, error)
}

// ── Source Store ────────────────────────────────────────────

type SourceStore interface {
	ListSources(ctx context.Context, owner string) ([]models.Source, error)
	GetSource(ctx context.Context, owner, id string) (*models.Source, error)
	CreateSource(ctx context.Context, source *models.Source) error
	UpdateSource(ctx context.Context, source *models.Source) error
	DeleteSource(ctx context.Context, owner, id string) error

	// SetSourceStatus transitions the status and error message without
	// touching content fields. Used by the dispatcher on terminal
	// transitions; keyed by id only because the owning command has
	// already been authorized.
	SetSourceStatus(ctx context.Context, id string, status models.SourceStatus, errorMessage string) error

	// SearchSourcesText is owner-scoped substring search over title and
	// full text.
	SearchSourcesText(ctx context.Context, owner, query string, limit int) ([]models.Source, error)
}

// ── Chunk Store ─────────────────────────────────────────────

// ScoredChunk is one vector search hit.
type ScoredChunk struct {
	Chunk models.Chunk `json:"chunk"`
	Score float64      `json:"score"`
}

type ChunkStore interface {
	ListChunks(ctx context.Context, sourceID string) ([]models.Chunk, error)

	// DeleteChunks removes every chunk of the source. Re-ingestion always
	// deletes before writing so a retry never leaves rows from a prior
	// attempt.
	DeleteChunks(ctx context.Context, sourceID string) error

	// CreateChunks writes the chunk set in index order.
	CreateChunks(ctx context.Context, chunks []models.Chunk) error

	// CountEmbeddedChunks counts persisted chunks with a non-null
	// embedding for the source.
	CountEmbeddedChunks(ctx context.Context, sourceID string) (int, error)

	// SearchChunksByVector is owner-scoped cosine search, best first.
	SearchChunksByVector(ctx context.Context, owner string, vector []float32, limit int) ([]ScoredChunk, error)
}

// ── Insight Store ───────────────────────────────────────────

type InsightStore interface {
	ListInsights(ctx context.Context, owner, sourceID string) ([]models.Insight, error)
	CreateInsight(ctx context.Context, insight *models.Insight) error
	DeleteInsights(ctx context.Context, sourceID string) error
	DeleteInsightsByTransformation(ctx context.Context, sourceID, transformationID string) error
}

// ── Transformation Store ────────────────────────────────────

// TransformationStore lists system transformations (empty owner) together
// with the caller's own.
type TransformationStore interface {
	ListTransformations(ctx context.Context, owner string) ([]models.Transformation, error)
	GetTransformation(ctx context.Context, owner, id string) (*models.Transformation, error)
	CreateTransformation(ctx context.Context, transformation *models.Transformation) error
	UpdateTransformation(ctx context.Context, transformation *models.Transformation) error
	DeleteTransformation(ctx context.Context, owner, id string) error
}

// ── Note Store ──────────────────────────────────────────────

type NoteStore interface {
	ListNotes(ctx context.Context, owner, notebookID string) ([]models.Note, error)
	GetNote(ctx context.Context, owner, id string) (*models.Note, error)
	CreateNote(ctx context.Context, note *models.Note) error
	UpdateNote(ctx context.Context, note *models.Note) error
	DeleteNote(ctx context.Context, owner, id string) error
}

// ── Chat Store ──────────────────────────────────────────────

type ChatStore interface {
	ListChatSessions(ctx context.Context, owner, notebookID string) ([]models.ChatSession, error)
	GetChatSession(ctx context.Context, owner, id string) (*models.ChatSession, error)
	CreateChatSession(ctx context.Context, session *models.ChatSession) error
	DeleteChatSession(ctx context.Context, owner, id string) error

	// AppendChatMessage assigns the next sequence number within the
	// session and persists the message.
	AppendChatMessage(ctx context.Context, message *models.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

// ── Episode Store ───────────────────────────────────────────

type EpisodeStore interface {
	ListEpisodes(ctx context.Context, owner string) ([]models.Episode, error)
	GetEpisode(ctx context.Context, owner, id string) (*models.Episode, error)
	CreateEpisode(ctx context.Context, episode *models.Episode) error
	UpdateEpisode(ctx context.Context, episode *models.Episode) error

	ListEpisodeProfiles(ctx context.Context, owner string) ([]models.EpisodeProfile, error)
	GetEpisodeProfile(ctx context.Context, owner, id string) (*models.EpisodeProfile, error)
	CreateEpisodeProfile(ctx context.Context, profile *models.EpisodeProfile) error

	ListSpeakerProfiles(ctx context.Context, owner string) ([]models.SpeakerProfile, error)
	GetSpeakerProfile(ctx context.Context, owner, id string) (*models.SpeakerProfile, error)
	CreateSpeakerProfile(ctx context.Context, profile *models.SpeakerProfile) error
}

// ── Command Store ───────────────────────────────────────────

type CommandStore interface {
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	CreateCommand(ctx context.Context, command *models.Command) error

	// ClaimNextCommand atomically claims the oldest command with status
	// new: sets running, claimed_at, claimed_by, attempts+1. Returns
	// (nil, nil) when the queue is empty.
	ClaimNextCommand(ctx context.Context, workerID string) (*models.Command, error)

	// ClaimCommand atomically claims the one command named by id, with
	// the same transition as ClaimNextCommand. Returns (nil, nil) when
	// the command is no longer new, so a racing claimant backs off
	// instead of stealing someone else's work.
	ClaimCommand(ctx context.Context, id, workerID string) (*models.Command, error)

	// CompleteCommand transitions running → complete with a result.
	CompleteCommand(ctx context.Context, id string, result map[string]interface{}) error

	// FailCommand transitions to failed with an error message.
	FailCommand(ctx context.Context, id, errorMessage string) error

	// CancelCommand transitions new → failed. Commands already claimed
	// are not preempted; conflicting state returns ErrConflict.
	CancelCommand(ctx context.Context, id string) error

	// CountActiveCommandsForSource counts commands in {new, running}
	// whose input names the source. At most one may be active.
	CountActiveCommandsForSource(ctx context.Context, sourceID string) (int, error)

	// ReapExpiredCommands resets running commands whose claim is older
	// than lease back to new, or fails them once attempts reached
	// maxAttempts. Failed commands are returned so the caller can fail
	// their linked sources.
	ReapExpiredCommands(ctx context.Context, lease time.Duration, maxAttempts int) (reset int, failed []models.Command, err error)

	// CommandSignals fires after a command becomes claimable — on submit
	// and on reaper resets. Best effort; the worker also polls.
	CommandSignals() <-chan struct{}
}

// ── ModelConfig Store ───────────────────────────────────────

type ModelConfigStore interface {
	GetModelConfig(ctx context.Context, owner string) (*models.ModelConfig, error)
	UpsertModelConfig(ctx context.Context, config *models.ModelConfig) error
}

// ── Admin Store ─────────────────────────────────────────────

type AdminStore interface {
	ListUsers(ctx context.Context) ([]models.User, error)

	// WipeUserData deletes everything the user owns: notebooks, sources,
	// chunks, insights, chat sessions, episodes, provider secrets — in
	// that order. The user row itself survives.
	WipeUserData(ctx context.Context, userID string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist under
// the caller's ownership. Cross-owner reads return this too: absence and
// denial are indistinguishable on purpose.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrForbidden marks an owner mismatch on a write, or a non-admin caller
// on an admin operation.
var ErrForbidden = errors.New("forbidden")

// ErrConflict marks a state transition that lost a race, e.g. cancelling
// a command that a worker already claimed.
var ErrConflict = errors.New("conflicting state transition")

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
