// Package vault encrypts user provider credentials at rest with a
// symmetric authenticated-encryption key. Ciphertext is a fernet token:
// tampering is detected on decrypt rather than producing garbage.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/rs/zerolog/log"
)

// Tokens carry an issue timestamp; the vault never expires them, so the
// accepted age just has to outlive any deployment.
const tokenMaxAge = 100 * 365 * 24 * time.Hour

// ErrInvalidToken is returned when a ciphertext fails authentication —
// either it was tampered with or it was produced under a different key.
type ErrInvalidToken struct{}

func (e *ErrInvalidToken) Error() string {
	return "secret token is invalid or was encrypted under a different key"
}

// Vault holds the process-wide symmetric key. The key is resolved once at
// startup and never reloaded.
type Vault struct {
	key *fernet.Key
}

// New wraps an already-decoded key. Most callers use Open.
func New(key *fernet.Key) *Vault {
	return &Vault{key: key}
}

// Open resolves the symmetric key by priority: explicit base64 key,
// key-file path, the persistent path under dataPath, a development path
// under the working directory, and finally a freshly-generated key written
// to the persistent path with owner-only permissions.
func Open(key, keyFile, dataPath string) (*Vault, error) {
	if key != "" {
		k, err := fernet.DecodeKey(key)
		if err != nil {
			return nil, fmt.Errorf("decode SECRET_KEY: %w", err)
		}
		return New(k), nil
	}

	persistent := filepath.Join(dataPath, ".secrets", "fernet.key")
	for _, path := range []string{keyFile, persistent, filepath.Join(".", ".secrets", "fernet.key")} {
		if path == "" {
			continue
		}
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", path, err)
		}
		k, err := fernet.DecodeKey(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		return New(k), nil
	}

	k := new(fernet.Key)
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(persistent), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(persistent, []byte(k.Encode()), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	log.Warn().Str("path", persistent).Msg("no secret key configured; generated a new one")
	return New(k), nil
}

// Encrypt returns the authenticated ciphertext of plain under the vault key.
func (v *Vault) Encrypt(plain string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plain), v.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. A tampered or foreign token yields
// *ErrInvalidToken; the caller surfaces it or rotates the secret, the
// process keeps running.
func (v *Vault) Decrypt(cipher string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(cipher), tokenMaxAge, []*fernet.Key{v.key})
	if msg == nil {
		return "", &ErrInvalidToken{}
	}
	return string(msg), nil
}
