package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ── Record Identifiers ───────────────────────────────────────
//
// Every entity id is a table-qualified opaque string "<table>:<opaque>".
// Ids are generated on first persist, never reused, and never interpreted
// by clients.

// NewID mints a fresh qualified id for the given table.
func NewID(table string) string {
	return table + ":" + ulid.Make().String()
}

// SplitID splits a qualified id into (table, opaque). A bare id returns
// ("", id).
func SplitID(id string) (table, opaque string) {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}

// QualifyID rewrites a bare id to "<table>:<opaque>". An already-qualified
// id is returned unchanged.
func QualifyID(table, id string) string {
	if t, _ := SplitID(id); t != "" {
		return id
	}
	return table + ":" + id
}

// TableOf returns the table prefix of a qualified id, or "" for bare ids.
func TableOf(id string) string {
	t, _ := SplitID(id)
	return t
}

// ── Provider ─────────────────────────────────────────────────

// Provider is an AI provider tag. The set is closed: credentials are only
// stored and resolved for these values.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGemini     Provider = "gemini"
	ProviderGoogle     Provider = "google"
	ProviderVertex     Provider = "vertex"
	ProviderMistral    Provider = "mistral"
	ProviderDeepSeek   Provider = "deepseek"
	ProviderXAI        Provider = "xai"
	ProviderGroq       Provider = "groq"
	ProviderVoyage     Provider = "voyage"
	ProviderElevenLabs Provider = "elevenlabs"
	ProviderCohere     Provider = "cohere"
	ProviderOpenRouter Provider = "openrouter"
)

// KnownProviders lists every accepted provider tag in a stable order.
func KnownProviders() []Provider {
	return []Provider{
		ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderGoogle,
		ProviderVertex, ProviderMistral, ProviderDeepSeek, ProviderXAI,
		ProviderGroq, ProviderVoyage, ProviderElevenLabs, ProviderCohere,
		ProviderOpenRouter,
	}
}

// ValidProvider reports whether p is in the closed provider set.
func ValidProvider(p Provider) bool {
	for _, k := range KnownProviders() {
		if p == k {
			return true
		}
	}
	return false
}

// ── User ─────────────────────────────────────────────────────

type User struct {
	ID                     string    `json:"id" db:"id"`
	Email                  string    `json:"email" db:"email"` // unique, lower-cased
	HashedPassword         string    `json:"-" db:"hashed_password"`
	DisplayName            string    `json:"display_name,omitempty" db:"display_name"`
	IsActive               bool      `json:"is_active" db:"is_active"`
	IsAdmin                bool      `json:"is_admin" db:"is_admin"`
	HasCompletedOnboarding bool      `json:"has_completed_onboarding" db:"has_completed_onboarding"`
	Created                time.Time `json:"created" db:"created"`
	Updated                time.Time `json:"updated" db:"updated"`
}

// ── UserProviderSecret ───────────────────────────────────────

// UserProviderSecret holds one encrypted provider credential. (user,
// provider) is unique. Plaintext is never persisted, logged, or returned
// by list operations; only the explicit reveal path decrypts.
type UserProviderSecret struct {
	ID             string    `json:"id" db:"id"`
	User           string    `json:"user" db:"user_id"`
	Provider       Provider  `json:"provider" db:"provider"`
	EncryptedValue string    `json:"-" db:"encrypted_value"`
	DisplayName    string    `json:"display_name,omitempty" db:"display_name"`
	Created        time.Time `json:"created" db:"created"`
	Updated        time.Time `json:"updated" db:"updated"`
}

// ── Notebook ─────────────────────────────────────────────────

type Notebook struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Archived    bool      `json:"archived" db:"archived"`
	Owner       string    `json:"owner" db:"owner"`
	Created     time.Time `json:"created" db:"created"`
	Updated     time.Time `json:"updated" db:"updated"`
}

// ── Source ───────────────────────────────────────────────────

type SourceStatus string

const (
	SourceQueued    SourceStatus = "queued"
	SourceRunning   SourceStatus = "running"
	SourceCompleted SourceStatus = "completed"
	SourceFailed    SourceStatus = "failed"
)

// AssetKind tags where a source's raw content came from.
type AssetKind string

const (
	AssetUpload AssetKind = "upload"
	AssetLink   AssetKind = "link"
	AssetText   AssetKind = "text"
)

// Asset points at the raw material behind a source. Exactly one of
// FilePath, URL, or Inline is set, matching Kind.
type Asset struct {
	Kind     AssetKind `json:"kind"`
	FilePath string    `json:"file_path,omitempty"`
	URL      string    `json:"url,omitempty"`
	Inline   string    `json:"inline,omitempty"`
}

type Source struct {
	ID             string       `json:"id" db:"id"`
	Title          string       `json:"title" db:"title"`
	Owner          string       `json:"owner" db:"owner"`
	Asset          Asset        `json:"asset"`
	FullText       string       `json:"full_text,omitempty" db:"full_text"`
	ContentLength  int          `json:"content_length,omitempty" db:"content_length"`
	EmbeddedChunks int          `json:"embedded_chunks" db:"embedded_chunks"`
	Status         SourceStatus `json:"status" db:"status"`
	ErrorMessage   string       `json:"error_message,omitempty" db:"error_message"`
	Command        string       `json:"command,omitempty" db:"command_id"`
	Created        time.Time    `json:"created" db:"created"`
	Updated        time.Time    `json:"updated" db:"updated"`
}

// ── Chunk ────────────────────────────────────────────────────

// Chunk is one overlapping window of a source's full text. Embedding is
// nil until the embedding pass writes it; dimensionality is consistent
// within one source.
type Chunk struct {
	ID        string    `json:"id" db:"id"`
	Source    string    `json:"source" db:"source_id"`
	Index     int       `json:"index" db:"chunk_index"`
	Content   string    `json:"content" db:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// ── Insight ──────────────────────────────────────────────────

type Insight struct {
	ID             string    `json:"id" db:"id"`
	Source         string    `json:"source" db:"source_id"`
	Transformation string    `json:"transformation" db:"transformation_id"`
	Content        string    `json:"content" db:"content"`
	Created        time.Time `json:"created" db:"created"`
}

// ── Transformation ───────────────────────────────────────────

// Transformation is a named prompt template applied to source text to
// produce an insight. Owner is empty for system transformations.
type Transformation struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	PromptTemplate string    `json:"prompt_template" db:"prompt_template"`
	Owner          string    `json:"owner,omitempty" db:"owner"`
	Created        time.Time `json:"created" db:"created"`
	Updated        time.Time `json:"updated" db:"updated"`
}

// ── Note ─────────────────────────────────────────────────────

type Note struct {
	ID       string    `json:"id" db:"id"`
	Title    string    `json:"title" db:"title"`
	Content  string    `json:"content" db:"content"`
	Owner    string    `json:"owner" db:"owner"`
	Notebook string    `json:"notebook" db:"notebook_id"`
	Created  time.Time `json:"created" db:"created"`
	Updated  time.Time `json:"updated" db:"updated"`
}

// ── Chat ─────────────────────────────────────────────────────

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

type ChatSession struct {
	ID       string    `json:"id" db:"id"`
	Owner    string    `json:"owner" db:"owner"`
	Notebook string    `json:"notebook" db:"notebook_id"`
	Title    string    `json:"title" db:"title"`
	Created  time.Time `json:"created" db:"created"`
	Updated  time.Time `json:"updated" db:"updated"`
}

// ChatMessage is one turn in a session. Within a session, messages are
// totally ordered by persistence; Seq carries that order.
type ChatMessage struct {
	ID      string    `json:"id" db:"id"`
	Session string    `json:"session" db:"session_id"`
	Seq     int       `json:"seq" db:"seq"`
	Role    ChatRole  `json:"role" db:"role"`
	Content string    `json:"content" db:"content"`
	Created time.Time `json:"created" db:"created"`
}

// ── Podcast ──────────────────────────────────────────────────

type EpisodeStatus string

const (
	EpisodeQueued    EpisodeStatus = "queued"
	EpisodeRunning   EpisodeStatus = "running"
	EpisodeCompleted EpisodeStatus = "completed"
	EpisodeFailed    EpisodeStatus = "failed"
)

// Episode is one generated podcast. AudioFile is either a local path
// under the podcasts root or an object-storage URL; consumers branch on
// the scheme prefix.
type Episode struct {
	ID           string        `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	Owner        string        `json:"owner" db:"owner"`
	Notebook     string        `json:"notebook,omitempty" db:"notebook_id"`
	Profile      string        `json:"profile" db:"profile_id"`
	Transcript   string        `json:"transcript,omitempty" db:"transcript"`
	AudioFile    string        `json:"audio_file,omitempty" db:"audio_file"`
	Status       EpisodeStatus `json:"status" db:"status"`
	ErrorMessage string        `json:"error_message,omitempty" db:"error_message"`
	Command      string        `json:"command,omitempty" db:"command_id"`
	Created      time.Time     `json:"created" db:"created"`
	Updated      time.Time     `json:"updated" db:"updated"`
}

// EpisodeProfile shapes a generated episode: which speakers take part and
// the briefing fed to the transcript model.
type EpisodeProfile struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Description     string    `json:"description,omitempty" db:"description"`
	SpeakerProfiles []string  `json:"speaker_profiles"`
	Briefing        string    `json:"briefing" db:"briefing"`
	SegmentCount    int       `json:"segment_count" db:"segment_count"`
	Owner           string    `json:"owner,omitempty" db:"owner"`
	Created         time.Time `json:"created" db:"created"`
	Updated         time.Time `json:"updated" db:"updated"`
}

type SpeakerProfile struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	VoiceID     string    `json:"voice_id" db:"voice_id"`
	Personality string    `json:"personality,omitempty" db:"personality"`
	Owner       string    `json:"owner,omitempty" db:"owner"`
	Created     time.Time `json:"created" db:"created"`
	Updated     time.Time `json:"updated" db:"updated"`
}

// ── Command ──────────────────────────────────────────────────

type CommandStatus string

const (
	CommandNew      CommandStatus = "new"
	CommandRunning  CommandStatus = "running"
	CommandComplete CommandStatus = "complete"
	CommandFailed   CommandStatus = "failed"
)

// Command is a persisted unit of deferred work. Status transitions
// monotonically new → running → {complete, failed}; running → new happens
// only on reaper recovery of an abandoned claim.
type Command struct {
	ID           string                 `json:"id" db:"id"`
	Namespace    string                 `json:"namespace" db:"namespace"`
	Name         string                 `json:"name" db:"name"`
	Input        map[string]interface{} `json:"input"`
	Status       CommandStatus          `json:"status" db:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty" db:"error_message"`
	ClaimedAt    *time.Time             `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimedBy    string                 `json:"claimed_by,omitempty" db:"claimed_by"`
	Attempts     int                    `json:"attempts" db:"attempts"`
	Created      time.Time              `json:"created" db:"created"`
	Updated      time.Time              `json:"updated" db:"updated"`
}

// Handle is the registry key "<namespace>.<name>".
func (c *Command) Handle() string {
	return fmt.Sprintf("%s.%s", c.Namespace, c.Name)
}

// InputString fetches a string field from the opaque input map.
func (c *Command) InputString(key string) string {
	if c.Input == nil {
		return ""
	}
	if s, ok := c.Input[key].(string); ok {
		return s
	}
	return ""
}

// InputBool fetches a bool field from the opaque input map.
func (c *Command) InputBool(key string) bool {
	if c.Input == nil {
		return false
	}
	if b, ok := c.Input[key].(bool); ok {
		return b
	}
	return false
}

// InputStrings fetches a string-slice field from the opaque input map,
// tolerating []interface{} as produced by JSON round-trips.
func (c *Command) InputStrings(key string) []string {
	if c.Input == nil {
		return nil
	}
	switch v := c.Input[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ── ModelConfig ──────────────────────────────────────────────

// ModelConfig holds a user's default model selections. Model strings are
// "<provider>/<model>", e.g. "openai/gpt-4o-mini".
type ModelConfig struct {
	ID             string    `json:"id" db:"id"`
	Owner          string    `json:"owner" db:"owner"`
	ChatModel      string    `json:"chat_model" db:"chat_model"`
	EmbeddingModel string    `json:"embedding_model" db:"embedding_model"`
	Updated        time.Time `json:"updated" db:"updated"`
}

// ── MigrationVersion ─────────────────────────────────────────

type MigrationVersion struct {
	Version int `json:"version" db:"version"`
}
