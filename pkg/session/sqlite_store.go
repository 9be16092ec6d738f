package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore keeps sessions in a single SQLite database
type SQLiteStore struct {
	db    *sql.DB
	codec codec
	opts  options
}

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer; serialising here avoids SQLITE_BUSY under concurrent tasks
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		target_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		last_validated_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	o := buildOptions(opts)
	return &SQLiteStore{db: db, codec: codec{passphrase: o.passphrase}, opts: o}, nil
}

// Save replaces the session for targetID
func (s *SQLiteStore) Save(ctx context.Context, targetID string, blob Blob) (*Session, error) {
	if err := checkTarget(targetID); err != nil {
		return nil, err
	}

	sess := newSession(targetID, blob, s.opts.clock.Now(), s.opts.ttl)
	if err := s.upsert(ctx, sess); err != nil {
		return nil, err
	}

	s.opts.log.WithField("target", targetID).Debug("Session saved")
	return sess, nil
}

// Load returns the stored session or nil when there is none
func (s *SQLiteStore) Load(ctx context.Context, targetID string) (*Session, error) {
	if err := checkTarget(targetID); err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, targetID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q queryer, targetID string) (*Session, error) {
	var payload []byte
	err := q.QueryRowContext(ctx, "SELECT payload FROM sessions WHERE target_id = ?", targetID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s.codec.decode(payload)
}

// Touch stamps the stored session as validated now
func (s *SQLiteStore) Touch(ctx context.Context, targetID string) error {
	if err := checkTarget(targetID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := s.load(ctx, tx, targetID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("no session stored for %s", targetID)
	}
	sess.LastValidatedAt = s.opts.clock.Now()

	if err := s.write(ctx, tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear deletes the session row
func (s *SQLiteStore) Clear(ctx context.Context, targetID string) error {
	if err := checkTarget(targetID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE target_id = ?", targetID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.opts.log.WithField("target", targetID).Debug("Session cleared")
	return nil
}

// List returns every readable session ordered by target
func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT target_id, payload FROM sessions ORDER BY target_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var (
			targetID string
			payload  []byte
		)
		if err := rows.Scan(&targetID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess, err := s.codec.decode(payload)
		if err != nil {
			s.opts.log.WithError(err).WithField("target", targetID).Warn("Skipping unreadable session")
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) upsert(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.write(ctx, tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) write(ctx context.Context, tx *sql.Tx, sess *Session) error {
	now := s.opts.clock.Now()
	payload, err := s.codec.encode(sess, now)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (target_id, payload, created_at, last_validated_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			last_validated_at = excluded.last_validated_at,
			updated_at = excluded.updated_at`,
		sess.TargetID, payload, sess.CreatedAt.UTC(), sess.LastValidatedAt.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}
