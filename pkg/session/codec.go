package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize      = 32
	keySize       = 32
	iterations    = 100000
	formatVersion = 1
)

// ErrLocked is returned when reading an encrypted session without the
// passphrase it was written with.
var ErrLocked = errors.New("session is encrypted and no valid passphrase was provided")

// envelope is the on-disk form of a session. Exactly one of Session and
// Encrypted is set.
type envelope struct {
	Version   int       `json:"version"`
	Salt      string    `json:"salt,omitempty"`
	Encrypted string    `json:"encrypted,omitempty"`
	Session   *Session  `json:"session,omitempty"`
	Modified  time.Time `json:"modified"`
}

// codec turns sessions into bytes, sealing them when a passphrase is set
type codec struct {
	passphrase string
}

func (c codec) encode(s *Session, now time.Time) ([]byte, error) {
	env := envelope{Version: formatVersion, Modified: now}

	if c.passphrase == "" {
		env.Session = s
	} else {
		plaintext, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
		}

		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		sealed, err := encrypt(plaintext, deriveKey(c.passphrase, salt))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt session: %w", err)
		}
		env.Salt = base64.StdEncoding.EncodeToString(salt)
		env.Encrypted = base64.StdEncoding.EncodeToString(sealed)
	}

	return json.MarshalIndent(env, "", "  ")
}

func (c codec) decode(data []byte) (*Session, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("unsupported session format version %d", env.Version)
	}

	if env.Encrypted == "" {
		if env.Session == nil {
			return nil, fmt.Errorf("session payload is empty")
		}
		return env.Session, nil
	}

	if c.passphrase == "" {
		return nil, ErrLocked
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted data: %w", err)
	}
	plaintext, err := decrypt(sealed, deriveKey(c.passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}

	var s Session
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &s, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
}

// encrypt seals plaintext with AES-GCM, prefixing the nonce
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
