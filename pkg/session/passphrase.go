package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// PassphraseEnv overrides every other passphrase source
	PassphraseEnv = "STEALTHSCRAPE_SESSION_PASSPHRASE"

	keyringService = "stealthscrape"
	keyringUser    = "session-passphrase"
)

// ResolvePassphrase returns the session passphrase from the environment or
// the OS keyring. When create is set and neither has one, a random
// passphrase is generated and stored in the keyring.
func ResolvePassphrase(create bool) (string, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return pass, nil
	}

	pass, err := keyring.Get(keyringService, keyringUser)
	if err == nil && pass != "" {
		return pass, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("failed to read passphrase from keyring: %w", err)
	}
	if !create {
		return "", fmt.Errorf("no session passphrase in %s or the keyring", PassphraseEnv)
	}

	pass, err = generatePassphrase()
	if err != nil {
		return "", err
	}
	if err := StorePassphrase(pass); err != nil {
		return "", err
	}
	return pass, nil
}

// StorePassphrase saves passphrase in the OS keyring
func StorePassphrase(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase is empty")
	}
	if err := keyring.Set(keyringService, keyringUser, passphrase); err != nil {
		return fmt.Errorf("failed to store passphrase in keyring: %w", err)
	}
	return nil
}

// ForgetPassphrase removes the keyring entry. A missing entry is not an
// error.
func ForgetPassphrase() error {
	err := keyring.Delete(keyringService, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete passphrase from keyring: %w", err)
	}
	return nil
}

func generatePassphrase() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
