// Package ai abstracts the language-model providers behind three small
// interfaces. Clients are built per request from the caller's resolved
// credentials; nothing provider-specific leaks past this package.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-notebook/open-notebook/pkg/models"
)

// Fallback model references used when a user has not picked defaults.
const (
	DefaultChatModel      = "openai/gpt-4o-mini"
	DefaultEmbeddingModel = "openai/text-embedding-3-small"
)

// Message is one turn of chat history handed to a model.
type Message struct {
	Role    models.ChatRole
	Content string
}

// ChatModel generates a reply from an ordered history. When onToken is
// non-nil it receives each streamed fragment before Generate returns the
// full reply.
type ChatModel interface {
	Generate(ctx context.Context, history []Message, onToken func(string) error) (string, error)
}

// Embedder turns a batch of texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SpeechSynthesizer renders one speaker's line as encoded audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) ([]byte, error)
}

// ModelRef identifies a model as "provider/name". The name may itself
// contain slashes (openrouter routes do), so only the first one splits.
type ModelRef struct {
	Provider models.Provider
	Name     string
}

func (r ModelRef) String() string { return string(r.Provider) + "/" + r.Name }

// ParseModelRef splits and validates a "provider/name" reference.
func ParseModelRef(s string) (ModelRef, error) {
	provider, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return ModelRef{}, fmt.Errorf("model reference %q is not provider/name", s)
	}
	p := models.Provider(provider)
	if !models.ValidProvider(p) {
		return ModelRef{}, fmt.Errorf("unknown provider %q", provider)
	}
	return ModelRef{Provider: p, Name: name}, nil
}

// ErrNoCredential marks a provider call attempted without any token,
// stored or ambient.
type ErrNoCredential struct {
	Provider models.Provider
}

func (e *ErrNoCredential) Error() string {
	return fmt.Sprintf("no %s credential configured", e.Provider)
}
