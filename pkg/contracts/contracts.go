// Package contracts defines the request and response shapes of the HTTP
// API. Handlers decode into these types and validate them here, so the
// wire format is visible in one place and reusable by clients.
package contracts

import (
	"strings"

	"github.com/open-notebook/open-notebook/pkg/models"
)

// ValidationError marks a request that failed validation. The API maps
// it to 400/422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// ── Auth ────────────────────────────────────────────────────

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

func (r *RegisterRequest) Validate() error {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return &ValidationError{Field: "email", Reason: "must be a valid address"}
	}
	if len(r.Password) < 8 {
		return &ValidationError{Field: "password", Reason: "must be at least 8 characters"}
	}
	return nil
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// ── Sources ─────────────────────────────────────────────────

// Source kinds accepted by POST /api/sources.
const (
	SourceTypeUpload = "upload"
	SourceTypeLink   = "link"
	SourceTypeText   = "text"
)

// CreateSourceRequest is the JSON body for link and text sources. Upload
// sources arrive as multipart with the same field names.
type CreateSourceRequest struct {
	Type            string   `json:"type"`
	Title           string   `json:"title,omitempty"`
	URL             string   `json:"url,omitempty"`
	Content         string   `json:"content,omitempty"`
	NotebookIDs     []string `json:"notebook_ids,omitempty"`
	Transformations []string `json:"transformations,omitempty"`
	Embed           bool     `json:"embed"`
	AsyncProcessing *bool    `json:"async_processing,omitempty"` // default true
	DeleteSource    bool     `json:"delete_source"`
}

// Async resolves the async_processing default.
func (r *CreateSourceRequest) Async() bool {
	return r.AsyncProcessing == nil || *r.AsyncProcessing
}

func (r *CreateSourceRequest) Validate() error {
	switch r.Type {
	case SourceTypeLink:
		if strings.TrimSpace(r.URL) == "" {
			return &ValidationError{Field: "url", Reason: "required for link sources"}
		}
	case SourceTypeText:
		if r.Content == "" {
			return &ValidationError{Field: "content", Reason: "required for text sources"}
		}
	case SourceTypeUpload:
		// file presence is checked by the multipart handler
	default:
		return &ValidationError{Field: "type", Reason: "must be upload, link, or text"}
	}
	return nil
}

// CreateSourceResponse is returned for async ingestion; sync ingestion
// returns the completed source alone.
type CreateSourceResponse struct {
	Source    *models.Source `json:"source"`
	CommandID string         `json:"command_id,omitempty"`
}

// RetrySourceRequest re-enqueues processing. Force is required to
// reprocess a source that already completed.
type RetrySourceRequest struct {
	Force bool `json:"force"`
}

// ── Chat ────────────────────────────────────────────────────

type ChatStreamRequest struct {
	SessionID       string          `json:"session_id"`
	Message         string          `json:"message"`
	SelectedContext SelectedContext `json:"selected_context"`
}

// SelectedContext mirrors the executor's shape on the wire.
type SelectedContext struct {
	Sources []ContextItem `json:"sources,omitempty"`
	Notes   []ContextItem `json:"notes,omitempty"`
}

type ContextItem struct {
	ID        string `json:"id"`
	Inclusion string `json:"inclusion"`
}

func (r *ChatStreamRequest) Validate() error {
	if r.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "required"}
	}
	if strings.TrimSpace(r.Message) == "" {
		return &ValidationError{Field: "message", Reason: "required"}
	}
	return nil
}

type CreateChatSessionRequest struct {
	Notebook string `json:"notebook"`
	Title    string `json:"title,omitempty"`
}

// ── Secrets ─────────────────────────────────────────────────

type PutSecretRequest struct {
	Value       string `json:"value"`
	DisplayName string `json:"display_name,omitempty"`
}

func (r *PutSecretRequest) Validate() error {
	if r.Value == "" {
		return &ValidationError{Field: "value", Reason: "required"}
	}
	return nil
}

// SecretSummary is the list shape: never the plaintext, never the
// ciphertext.
type SecretSummary struct {
	Provider    models.Provider `json:"provider"`
	DisplayName string          `json:"display_name,omitempty"`
	Updated     string          `json:"updated"`
}

type RevealSecretResponse struct {
	Provider models.Provider `json:"provider"`
	Value    string          `json:"value"`
}

// ── Notebooks / Notes ───────────────────────────────────────

type NotebookRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Archived    *bool  `json:"archived,omitempty"`
}

func (r *NotebookRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	return nil
}

type NoteRequest struct {
	Title    string `json:"title,omitempty"`
	Content  string `json:"content"`
	Notebook string `json:"notebook"`
}

func (r *NoteRequest) Validate() error {
	if r.Content == "" {
		return &ValidationError{Field: "content", Reason: "required"}
	}
	if r.Notebook == "" {
		return &ValidationError{Field: "notebook", Reason: "required"}
	}
	return nil
}

// ── Transformations ─────────────────────────────────────────

type TransformationRequest struct {
	Name           string `json:"name"`
	PromptTemplate string `json:"prompt_template"`
}

func (r *TransformationRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if r.PromptTemplate == "" {
		return &ValidationError{Field: "prompt_template", Reason: "required"}
	}
	return nil
}

// ── Search ──────────────────────────────────────────────────

const (
	SearchTypeText   = "text"
	SearchTypeVector = "vector"
)

type SearchRequest struct {
	Type  string `json:"type"`
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"` // default 10
}

func (r *SearchRequest) Validate() error {
	if r.Type != SearchTypeText && r.Type != SearchTypeVector {
		return &ValidationError{Field: "type", Reason: "must be text or vector"}
	}
	if strings.TrimSpace(r.Query) == "" {
		return &ValidationError{Field: "query", Reason: "required"}
	}
	if r.Limit <= 0 {
		r.Limit = 10
	}
	return nil
}

type SearchHit struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	Content  string  `json:"content"`
	Score    float64 `json:"score,omitempty"`
}

type SearchResponse struct {
	Type string      `json:"type"`
	Hits []SearchHit `json:"hits"`
}

// ── Models ──────────────────────────────────────────────────

type ModelDefaultsRequest struct {
	ChatModel      string `json:"chat_model,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// ── Podcasts ────────────────────────────────────────────────

type CreateEpisodeRequest struct {
	Name     string `json:"name"`
	Profile  string `json:"profile"`
	Notebook string `json:"notebook,omitempty"`
}

func (r *CreateEpisodeRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if r.Profile == "" {
		return &ValidationError{Field: "profile", Reason: "required"}
	}
	return nil
}

type CreateEpisodeResponse struct {
	Episode   *models.Episode `json:"episode"`
	CommandID string          `json:"command_id"`
}

// ── Health ──────────────────────────────────────────────────

type HealthChecks struct {
	Database   string           `json:"database"`
	Migrations MigrationsHealth `json:"migrations"`
}

type MigrationsHealth struct {
	CurrentVersion int  `json:"current_version"`
	NeedsMigration bool `json:"needs_migration"`
}

type HealthResponse struct {
	Status string       `json:"status"`
	Checks HealthChecks `json:"checks"`
}
