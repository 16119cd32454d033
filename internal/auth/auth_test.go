package auth_test

import (
	"testing"

	"github.com/open-notebook/open-notebook/internal/auth"
	"github.com/open-notebook/open-notebook/pkg/models"
)

func TestIssueAndVerify(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", 60)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	tok, err := issuer.Issue(&models.User{ID: "user:abc", IsAdmin: true})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != "user:abc" {
		t.Errorf("Verify().UserID = %q, want %q", claims.UserID, "user:abc")
	}
	if !claims.IsAdmin {
		t.Error("Verify().IsAdmin = false, want true")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	a, _ := auth.NewIssuer("secret-a", 60)
	b, _ := auth.NewIssuer("secret-b", 60)

	tok, err := a.Issue(&models.User{ID: "user:abc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(tok); err != auth.ErrInvalidToken {
		t.Errorf("Verify(foreign token) error = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	issuer, _ := auth.NewIssuer("secret", 60)
	for _, tok := range []string{"", "not.a.jwt", "a.b.c"} {
		if _, err := issuer.Verify(tok); err != auth.ErrInvalidToken {
			t.Errorf("Verify(%q) error = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestNewIssuer_RequiresSecret(t *testing.T) {
	if _, err := auth.NewIssuer("", 60); err == nil {
		t.Error("NewIssuer(empty secret) = nil error, want error")
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "hunter2" {
		t.Error("HashPassword() returned the plaintext")
	}
	if err := auth.CheckPassword(hash, "hunter2"); err != nil {
		t.Errorf("CheckPassword(correct) error = %v", err)
	}
	if err := auth.CheckPassword(hash, "hunter3"); err != auth.ErrBadCredentials {
		t.Errorf("CheckPassword(wrong) error = %v, want ErrBadCredentials", err)
	}
}
