// Package config owns the persisted configuration document at
// ~/.kiro-proxy/config.json. The document stores accounts (without volatile
// runtime fields), governor strategy toggles, and token discovery paths.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const SchemaVersion = 1

// AccountRecord is the persisted shape of an account. Volatile fields
// (in-flight count, health, last used) are intentionally absent.
type AccountRecord struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	Provenance   string    `json:"provenance"`
	AuthKind     string    `json:"auth_kind"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	ProfileArn   string    `json:"profile_arn,omitempty"`
	Region       string    `json:"region,omitempty"`
	Enabled      bool      `json:"enabled"`
}

// GovernorToggles enables/disables the long-context strategies.
// ErrorRetry defaults to on; the rest are opt-in.
type GovernorToggles struct {
	AutoTruncate bool `json:"auto_truncate"`
	PreEstimate  bool `json:"pre_estimate"`
	SmartSummary bool `json:"smart_summary"`
	ErrorRetry   bool `json:"error_retry"`
}

// Document is the full config.json schema.
type Document struct {
	SchemaVersion int             `json:"schema_version"`
	Port          int             `json:"port"`
	Accounts      []AccountRecord `json:"accounts"`
	Governor      GovernorToggles `json:"governor"`
	ScanPaths     []string        `json:"scan_paths"`
}

// Store loads and saves the config document. Saves are atomic
// (write-temp + rename) and serialized by an internal mutex.
type Store struct {
	path string
	mu   sync.Mutex
}

// DefaultPath returns ~/.kiro-proxy/config.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".kiro-proxy", "config.json")
}

// NewStore creates a store for the given path (empty = default path).
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

// Path returns the on-disk location of the document.
func (s *Store) Path() string { return s.path }

// Defaults returns a fresh document with default settings.
func Defaults() *Document {
	home, _ := os.UserHomeDir()
	return &Document{
		SchemaVersion: SchemaVersion,
		Port:          8080,
		Governor:      GovernorToggles{ErrorRetry: true},
		ScanPaths: []string{
			filepath.Join(home, ".aws", "sso", "cache", "*.json"),
		},
	}
}

// Load reads the document from disk. A missing file yields defaults;
// a corrupt file is an error so the caller can exit non-zero.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Printf("📦 No config at %s, starting with defaults", s.path)
		return Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = SchemaVersion
	}
	if doc.Port == 0 {
		doc.Port = 8080
	}
	return &doc, nil
}

// Save writes the document atomically: marshal, write temp file in the
// same directory, rename over the target.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
