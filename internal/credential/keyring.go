package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "classroom"

// Keys of the secrets the daemon needs.
const (
	JWTSecretKey     = "jwt_secret"
	PushServerKeyKey = "push_server_key"
)

// ErrNotFound is returned when a secret is in neither the keyring nor the
// environment.
var ErrNotFound = errors.New("credential not found")

// Vault reads and writes secrets in a keyring.
type Vault struct {
	ring keyring.Keyring
}

// Open returns a Vault backed by the system keyring.
func Open() (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/classroom/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("classroom-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Vault{ring: ring}, nil
}

// NewVault wraps an existing keyring.
func NewVault(ring keyring.Keyring) *Vault {
	return &Vault{ring: ring}
}

// Get retrieves a credential value by key.
func (v *Vault) Get(key string) (string, error) {
	item, err := v.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key.
func (v *Vault) Set(key, value string) error {
	err := v.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key.
func (v *Vault) Delete(key string) error {
	if err := v.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// EnvName is the environment variable consulted for key, e.g.
// CLASSROOM_JWT_SECRET.
func EnvName(key string) string {
	return "CLASSROOM_" + strings.ToUpper(key)
}

// Lookup returns the secret for key from v, falling back to the
// environment. v may be nil when no keyring is available.
func Lookup(v *Vault, key string) (string, error) {
	if v != nil {
		secret, err := v.Get(key)
		if err == nil && secret != "" {
			return secret, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			if env := os.Getenv(EnvName(key)); env != "" {
				return env, nil
			}
			return "", err
		}
	}

	if env := os.Getenv(EnvName(key)); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("credential %q: %w", key, ErrNotFound)
}
