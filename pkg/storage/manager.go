package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const hashLen = 16

// Manager stores page bodies and tracks which URLs are already on disk
type Manager struct {
	outputDir string
	saved     map[string]string // key -> file name
	mu        sync.RWMutex
}

// NewManager creates outputDir if needed and indexes the files in it
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	manager := &Manager{
		outputDir: outputDir,
		saved:     make(map[string]string),
	}
	if err := manager.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}
	return manager, nil
}

func (m *Manager) scanExistingFiles() error {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".tmp") {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if i := strings.LastIndexByte(stem, '_'); i >= 0 && len(stem)-i-1 == hashLen {
			m.saved[stem] = name
		}
	}
	return nil
}

// Key returns the file stem used for rawURL: the sanitised host followed by
// a hash of the whole URL.
func Key(rawURL string) string {
	host := "page"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = sanitize(u.Hostname())
	}
	sum := sha256.Sum256([]byte(rawURL))
	return host + "_" + hex.EncodeToString(sum[:])[:hashLen]
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// extension picks a file extension for a Content-Type header value
func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return ".html"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// IsSaved reports whether a body for rawURL is already in the directory
func (m *Manager) IsSaved(rawURL string) bool {
	key := Key(rawURL)

	m.mu.RLock()
	_, ok := m.saved[key]
	m.mu.RUnlock()
	return ok
}

// Save writes body for rawURL and returns the file path. An earlier body
// for the same URL is replaced, even if its extension differs.
func (m *Manager) Save(rawURL, contentType string, body []byte) (string, error) {
	return m.SaveFrom(rawURL, contentType, bytes.NewReader(body))
}

// SaveFrom is Save reading the body from r
func (m *Manager) SaveFrom(rawURL, contentType string, r io.Reader) (string, error) {
	key := Key(rawURL)
	name := key + extension(contentType)
	filename := filepath.Join(m.outputDir, name)

	tempFile := filename + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = io.Copy(out, r)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to write page body: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to rename temporary file: %w", err)
	}

	m.mu.Lock()
	if old, ok := m.saved[key]; ok && old != name {
		os.Remove(filepath.Join(m.outputDir, old))
	}
	m.saved[key] = name
	m.mu.Unlock()

	return filename, nil
}

// OutputDir returns the output directory path
func (m *Manager) OutputDir() string {
	return m.outputDir
}

// Count returns the number of stored bodies
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.saved)
}
