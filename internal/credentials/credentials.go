// Package credentials resolves a user's provider secrets into an explicit
// value that is carried through the pipeline and injected into AI clients
// directly. The process environment is read as a fallback but never
// written, so concurrent requests for different users cannot leak keys
// into each other.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/internal/vault"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// envVars is the closed provider→environment-variable table. Gemini,
// google and vertex share one Google key.
var envVars = map[models.Provider]string{
	models.ProviderOpenAI:     "OPENAI_API_KEY",
	models.ProviderAnthropic:  "ANTHROPIC_API_KEY",
	models.ProviderGemini:     "GOOGLE_API_KEY",
	models.ProviderGoogle:     "GOOGLE_API_KEY",
	models.ProviderVertex:     "GOOGLE_API_KEY",
	models.ProviderMistral:    "MISTRAL_API_KEY",
	models.ProviderDeepSeek:   "DEEPSEEK_API_KEY",
	models.ProviderXAI:        "XAI_API_KEY",
	models.ProviderGroq:       "GROQ_API_KEY",
	models.ProviderVoyage:     "VOYAGE_API_KEY",
	models.ProviderElevenLabs: "ELEVENLABS_API_KEY",
	models.ProviderCohere:     "COHERE_API_KEY",
	models.ProviderOpenRouter: "OPENROUTER_API_KEY",
}

// EnvVar returns the canonical environment variable for a provider.
func EnvVar(p models.Provider) (string, bool) {
	v, ok := envVars[p]
	return v, ok
}

// Credentials maps providers to decrypted plaintext tokens for one user.
// The zero value is usable and resolves everything from the environment.
type Credentials map[models.Provider]string

// Token returns the user's token for p, falling back to the ambient
// deploy-level environment variable when the user has no stored secret.
func (c Credentials) Token(p models.Provider) string {
	if tok, ok := c[p]; ok && tok != "" {
		return tok
	}
	if env, ok := envVars[p]; ok {
		return os.Getenv(env)
	}
	return ""
}

// Has reports whether a usable token exists for p from either source.
func (c Credentials) Has(p models.Provider) bool { return c.Token(p) != "" }

// ErrInvalidCredential marks a stored secret that failed to decrypt,
// usually because the vault key was rotated underneath it.
type ErrInvalidCredential struct {
	Provider models.Provider
}

func (e *ErrInvalidCredential) Error() string {
	return fmt.Sprintf("stored %s credential cannot be decrypted", e.Provider)
}

// Resolver loads and decrypts all stored secrets for a user.
type Resolver struct {
	secrets store.SecretStore
	vault   *vault.Vault
}

func NewResolver(secrets store.SecretStore, v *vault.Vault) *Resolver {
	return &Resolver{secrets: secrets, vault: v}
}

// Resolve returns the credential map for userID. Any decrypt failure
// aborts the whole resolution: a handler must not run on a mix of good
// and broken credentials.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Credentials, error) {
	secrets, err := r.secrets.ListSecrets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	creds := make(Credentials, len(secrets))
	for _, sec := range secrets {
		plain, err := r.vault.Decrypt(sec.EncryptedValue)
		if err != nil {
			var invalid *vault.ErrInvalidToken
			if errors.As(err, &invalid) {
				return nil, &ErrInvalidCredential{Provider: sec.Provider}
			}
			return nil, fmt.Errorf("decrypt %s secret: %w", sec.Provider, err)
		}
		creds[sec.Provider] = plain
	}
	return creds, nil
}
