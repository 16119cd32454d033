package credentials_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/fernet/fernet-go"

	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/internal/vault"
	"github.com/open-notebook/open-notebook/pkg/models"
)

func newTestResolver(t *testing.T) (*credentials.Resolver, *store.MemoryStore, *vault.Vault) {
	t.Helper()
	k := new(fernet.Key)
	if err := k.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := vault.New(k)
	s := store.NewMemoryStore()
	return credentials.NewResolver(s, v), s, v
}

func storeSecret(t *testing.T, s *store.MemoryStore, v *vault.Vault, userID string, provider models.Provider, plain string) {
	t.Helper()
	cipher, err := v.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	err = s.UpsertSecret(context.Background(), &models.UserProviderSecret{
		User:           userID,
		Provider:       provider,
		EncryptedValue: cipher,
	})
	if err != nil {
		t.Fatalf("UpsertSecret: %v", err)
	}
}

func TestResolveOverridesAmbientWithoutMutatingEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sentinel-A")
	r, s, v := newTestResolver(t)
	storeSecret(t, s, v, "user:b", models.ProviderOpenAI, "user-B")

	creds, err := r.Resolve(context.Background(), "user:b")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := creds.Token(models.ProviderOpenAI); got != "user-B" {
		t.Errorf("Token(openai) = %q, want user-B", got)
	}
	if got := os.Getenv("OPENAI_API_KEY"); got != "sentinel-A" {
		t.Errorf("ambient OPENAI_API_KEY mutated to %q", got)
	}

	// A user with no stored secret sees the ambient key.
	other, err := r.Resolve(context.Background(), "user:other")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := other.Token(models.ProviderOpenAI); got != "sentinel-A" {
		t.Errorf("fallback Token(openai) = %q, want sentinel-A", got)
	}
}

func TestTokenFallbackTable(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "goo")
	t.Setenv("ELEVENLABS_API_KEY", "labs")
	var creds credentials.Credentials

	// gemini, google and vertex share the Google key.
	for _, p := range []models.Provider{models.ProviderGemini, models.ProviderGoogle, models.ProviderVertex} {
		if got := creds.Token(p); got != "goo" {
			t.Errorf("Token(%s) = %q, want goo", p, got)
		}
	}
	if got := creds.Token(models.ProviderElevenLabs); got != "labs" {
		t.Errorf("Token(elevenlabs) = %q, want labs", got)
	}
	if creds.Has(models.ProviderAnthropic) && os.Getenv("ANTHROPIC_API_KEY") == "" {
		t.Error("Has(anthropic) = true with no token anywhere")
	}
}

func TestResolveFailsClosedOnBadCiphertext(t *testing.T) {
	r, s, _ := newTestResolver(t)

	foreign := new(fernet.Key)
	if err := foreign.Generate(); err != nil {
		t.Fatal(err)
	}
	cipher, err := vault.New(foreign).Encrypt("unreadable")
	if err != nil {
		t.Fatal(err)
	}
	err = s.UpsertSecret(context.Background(), &models.UserProviderSecret{
		User:           "user:c",
		Provider:       models.ProviderGroq,
		EncryptedValue: cipher,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Resolve(context.Background(), "user:c")
	var invalid *credentials.ErrInvalidCredential
	if !errors.As(err, &invalid) {
		t.Fatalf("Resolve() error = %v, want *ErrInvalidCredential", err)
	}
	if invalid.Provider != models.ProviderGroq {
		t.Errorf("Provider = %s, want groq", invalid.Provider)
	}
}

func TestEnvVarMappingIsClosed(t *testing.T) {
	for _, p := range models.KnownProviders() {
		if _, ok := credentials.EnvVar(p); !ok {
			t.Errorf("EnvVar(%s) missing", p)
		}
	}
	if _, ok := credentials.EnvVar(models.Provider("made-up")); ok {
		t.Error("EnvVar accepted an unknown provider")
	}
}
