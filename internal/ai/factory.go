package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/mistral"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// OpenAI-compatible chat endpoints served by other providers.
var openAIBaseURLs = map[models.Provider]string{
	models.ProviderDeepSeek:   "https://api.deepseek.com/v1",
	models.ProviderXAI:        "https://api.x.ai/v1",
	models.ProviderGroq:       "https://api.groq.com/openai/v1",
	models.ProviderOpenRouter: "https://openrouter.ai/api/v1",
}

// Factory builds provider clients from a credential map. It is stateless;
// clients are cheap and constructed per request so a revoked secret takes
// effect immediately.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

// ChatModel returns a streaming chat client for ref.
func (f *Factory) ChatModel(ctx context.Context, ref ModelRef, creds credentials.Credentials) (ChatModel, error) {
	token := creds.Token(ref.Provider)
	if token == "" {
		return nil, &ErrNoCredential{Provider: ref.Provider}
	}

	var (
		model llms.Model
		err   error
	)
	switch ref.Provider {
	case models.ProviderOpenAI:
		model, err = openai.New(openai.WithToken(token), openai.WithModel(ref.Name))
	case models.ProviderDeepSeek, models.ProviderXAI, models.ProviderGroq, models.ProviderOpenRouter:
		model, err = openai.New(
			openai.WithToken(token),
			openai.WithModel(ref.Name),
			openai.WithBaseURL(openAIBaseURLs[ref.Provider]),
		)
	case models.ProviderAnthropic:
		model, err = anthropic.New(anthropic.WithToken(token), anthropic.WithModel(ref.Name))
	case models.ProviderGemini, models.ProviderGoogle, models.ProviderVertex:
		model, err = googleai.New(ctx, googleai.WithAPIKey(token), googleai.WithDefaultModel(ref.Name))
	case models.ProviderMistral:
		model, err = mistral.New(mistral.WithAPIKey(token), mistral.WithModel(ref.Name))
	default:
		return nil, fmt.Errorf("provider %s has no chat driver", ref.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("construct %s client: %w", ref.Provider, err)
	}
	return &langchainChat{model: model}, nil
}

// Embedder returns an embedding client for ref.
func (f *Factory) Embedder(ctx context.Context, ref ModelRef, creds credentials.Credentials) (Embedder, error) {
	token := creds.Token(ref.Provider)
	if token == "" {
		return nil, &ErrNoCredential{Provider: ref.Provider}
	}

	var (
		client embeddings.EmbedderClient
		err    error
	)
	switch ref.Provider {
	case models.ProviderOpenAI:
		client, err = openai.New(openai.WithToken(token), openai.WithEmbeddingModel(ref.Name))
	case models.ProviderGemini, models.ProviderGoogle, models.ProviderVertex:
		client, err = googleai.New(ctx, googleai.WithAPIKey(token), googleai.WithDefaultEmbeddingModel(ref.Name))
	case models.ProviderMistral:
		client, err = mistral.New(mistral.WithAPIKey(token), mistral.WithModel(ref.Name))
	case models.ProviderVoyage:
		return NewVoyageDriver(token, ref.Name), nil
	default:
		return nil, fmt.Errorf("provider %s has no embedding driver", ref.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("construct %s client: %w", ref.Provider, err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("construct %s embedder: %w", ref.Provider, err)
	}
	return &langchainEmbedder{embedder: emb}, nil
}

// Speech returns the TTS driver for the episode pipeline.
func (f *Factory) Speech(creds credentials.Credentials) (SpeechSynthesizer, error) {
	token := creds.Token(models.ProviderElevenLabs)
	if token == "" {
		return nil, &ErrNoCredential{Provider: models.ProviderElevenLabs}
	}
	return NewElevenLabsDriver(token), nil
}

type langchainChat struct {
	model llms.Model
}

func (c *langchainChat) Generate(ctx context.Context, history []Message, onToken func(string) error) (string, error) {
	content := make([]llms.MessageContent, 0, len(history))
	for _, m := range history {
		var typ llms.ChatMessageType
		switch m.Role {
		case models.RoleSystem:
			typ = llms.ChatMessageTypeSystem
		case models.RoleAssistant:
			typ = llms.ChatMessageTypeAI
		default:
			typ = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(typ, m.Content))
	}

	var opts []llms.CallOption
	if onToken != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return onToken(string(chunk))
		}))
	}
	resp, err := c.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

type langchainEmbedder struct {
	embedder *embeddings.EmbedderImpl
}

func (e *langchainEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embedder.EmbedDocuments(ctx, texts)
}
