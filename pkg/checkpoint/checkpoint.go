package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/jonboulle/clockwork"

	"stealthscrape/pkg/logger"
)

const currentVersion = 1

// Checkpoint is the persisted progress of one batch
type Checkpoint struct {
	Batch     string               `json:"batch"`
	Total     int                  `json:"total"`
	Completed map[string]time.Time `json:"completed"` // url -> completion time
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Version   int                  `json:"version"`
}

// IsCompleted reports whether url finished in an earlier run
func (c *Checkpoint) IsCompleted(url string) bool {
	_, ok := c.Completed[url]
	return ok
}

// Pending returns the urls not yet completed, in input order
func (c *Checkpoint) Pending(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !c.IsCompleted(u) {
			out = append(out, u)
		}
	}
	return out
}

// Manager handles checkpoint operations for one batch
type Manager struct {
	batch          string
	checkpointPath string
	clock          clockwork.Clock
	logger         logger.Logger

	// mu serialises writes from concurrent workers
	mu sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// DefaultDirectory returns the checkpoint directory under the XDG data home
func DefaultDirectory() string {
	return filepath.Join(xdg.DataHome, "stealthscrape", "checkpoints")
}

// NewManager creates a checkpoint manager for batch. An empty dir selects
// DefaultDirectory.
func NewManager(dir, batch string, opts ...Option) (*Manager, error) {
	if batch == "" {
		return nil, fmt.Errorf("checkpoint batch name is empty")
	}
	if dir == "" {
		dir = DefaultDirectory()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}

	m := &Manager{
		batch:          batch,
		checkpointPath: filepath.Join(dir, fileName(batch)),
		clock:          clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.GetLogger()
	}
	m.logger = m.logger.WithComponent("checkpoint")
	return m, nil
}

func fileName(batch string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, batch)
	return safe + ".checkpoint.json"
}

// Path returns the checkpoint file location
func (m *Manager) Path() string {
	return m.checkpointPath
}

// Create creates and saves an empty checkpoint
func (m *Manager) Create(total int) (*Checkpoint, error) {
	now := m.clock.Now()
	checkpoint := &Checkpoint{
		Batch:     m.batch,
		Total:     total,
		Completed: make(map[string]time.Time),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   currentVersion,
	}

	if err := m.Save(checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}

	m.logger.InfoWithFields("Checkpoint created", map[string]interface{}{
		"batch": m.batch,
		"path":  m.checkpointPath,
	})

	return checkpoint, nil
}

// Load loads an existing checkpoint, returning nil when none exists
func (m *Manager) Load() (*Checkpoint, error) {
	file, err := os.Open(m.checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if checkpoint.Version > currentVersion {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported %d", checkpoint.Version, currentVersion)
	}
	if checkpoint.Completed == nil {
		checkpoint.Completed = make(map[string]time.Time)
	}

	m.logger.InfoWithFields("Checkpoint loaded", map[string]interface{}{
		"batch":      checkpoint.Batch,
		"completed":  len(checkpoint.Completed),
		"total":      checkpoint.Total,
		"updated_at": checkpoint.UpdatedAt,
	})

	return &checkpoint, nil
}

// LoadOrCreate resumes the stored checkpoint or starts a new one
func (m *Manager) LoadOrCreate(total int) (*Checkpoint, error) {
	cp, err := m.Load()
	if err != nil {
		return nil, err
	}
	if cp != nil {
		return cp, nil
	}
	return m.Create(total)
}

// Save saves the checkpoint to disk atomically
func (m *Manager) Save(checkpoint *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(checkpoint)
}

func (m *Manager) save(checkpoint *Checkpoint) error {
	checkpoint.UpdatedAt = m.clock.Now()

	tempPath := m.checkpointPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, m.checkpointPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	m.logger.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"batch":     checkpoint.Batch,
		"completed": len(checkpoint.Completed),
	})

	return nil
}

// RecordCompleted marks url done and saves. Safe for concurrent use on
// the same checkpoint.
func (m *Manager) RecordCompleted(checkpoint *Checkpoint, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint.Completed[url] = m.clock.Now()
	return m.save(checkpoint)
}

// Delete removes the checkpoint file
func (m *Manager) Delete() error {
	if err := os.Remove(m.checkpointPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	m.logger.Info("Checkpoint deleted")
	return nil
}

// Exists checks if a checkpoint file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.checkpointPath)
	return err == nil
}

// Info returns a summary of the stored checkpoint, nil when none exists
func (m *Manager) Info() (map[string]interface{}, error) {
	checkpoint, err := m.Load()
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, nil
	}

	return map[string]interface{}{
		"batch":      checkpoint.Batch,
		"total":      checkpoint.Total,
		"completed":  len(checkpoint.Completed),
		"created_at": checkpoint.CreatedAt,
		"updated_at": checkpoint.UpdatedAt,
		"age":        m.clock.Since(checkpoint.UpdatedAt),
	}, nil
}

// Backup copies the current checkpoint next to it
func (m *Manager) Backup() error {
	if !m.Exists() {
		return nil
	}

	backupPath := m.checkpointPath + ".backup"

	src, err := os.Open(m.checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy checkpoint to backup: %w", err)
	}

	m.logger.Debug("Checkpoint backed up")
	return nil
}
