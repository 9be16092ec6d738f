// Package session persists per-target session artifacts (cookies and
// storage state) across process restarts.
//
// A session is valid while now - LastValidatedAt < TTL. Stores never judge
// validity themselves: Load returns whatever was saved and callers discard
// sessions for which IsValid is false.
package session

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/jonboulle/clockwork"

	"stealthscrape/pkg/logger"
)

const DefaultTTL = 24 * time.Hour

// Cookie is a serialisable HTTP cookie
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Blob is the opaque session payload handed to Save
type Blob struct {
	Cookies []Cookie          `json:"cookies,omitempty"`
	Storage map[string]string `json:"storage,omitempty"`
}

// Session is a stored blob with its validity bookkeeping
type Session struct {
	TargetID        string            `json:"target_id"`
	Cookies         []Cookie          `json:"cookies,omitempty"`
	Storage         map[string]string `json:"storage,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastValidatedAt time.Time         `json:"last_validated_at"`
	TTL             time.Duration     `json:"ttl"`
}

// Blob returns the payload part of the session
func (s *Session) Blob() Blob {
	return Blob{Cookies: s.Cookies, Storage: s.Storage}
}

// ExpiresAt is the instant the session stops being valid
func (s *Session) ExpiresAt() time.Time {
	return s.LastValidatedAt.Add(s.TTL)
}

// HTTPCookies converts the stored cookies for use with net/http
func (s *Session) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// CookiesFromHTTP converts net/http cookies
func CookiesFromHTTP(cookies []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return out
}

// IsValid reports whether s may be trusted at now. It performs no network
// validation.
func IsValid(s *Session, now time.Time) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.LastValidatedAt) < s.TTL
}

// Store persists sessions keyed by target
type Store interface {
	// Save replaces the session for targetID and stamps it as validated now
	Save(ctx context.Context, targetID string, blob Blob) (*Session, error)
	// Load returns the stored session, or nil and no error when absent
	Load(ctx context.Context, targetID string) (*Session, error)
	// Touch marks the stored session as validated now
	Touch(ctx context.Context, targetID string) error
	// Clear deletes the session. Clearing an absent session is not an error.
	Clear(ctx context.Context, targetID string) error
	// List returns every stored session
	List(ctx context.Context) ([]*Session, error)
	Close() error
}

type options struct {
	ttl        time.Duration
	clock      clockwork.Clock
	log        logger.Logger
	passphrase string
}

// Option configures a store
type Option func(*options)

// WithTTL sets the TTL given to newly saved sessions
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithPassphrase enables AES-GCM encryption of stored payloads
func WithPassphrase(passphrase string) Option {
	return func(o *options) {
		o.passphrase = passphrase
	}
}

func buildOptions(opts []Option) options {
	o := options{
		ttl:   DefaultTTL,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.GetLogger()
	}
	o.log = o.log.WithComponent("session")
	return o
}

func newSession(targetID string, blob Blob, now time.Time, ttl time.Duration) *Session {
	return &Session{
		TargetID:        targetID,
		Cookies:         blob.Cookies,
		Storage:         blob.Storage,
		CreatedAt:       now,
		LastValidatedAt: now,
		TTL:             ttl,
	}
}

// DefaultPath is the session directory under the XDG data home
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "stealthscrape", "sessions")
}

// Open picks a backend from path: SQLite for .db and .sqlite files, a
// FileStore directory otherwise. An empty path uses DefaultPath.
func Open(path string, opts ...Option) (Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLiteStore(path, opts...)
	default:
		return NewFileStore(path, opts...)
	}
}

func checkTarget(targetID string) error {
	if strings.TrimSpace(targetID) == "" {
		return fmt.Errorf("session target id is empty")
	}
	return nil
}
