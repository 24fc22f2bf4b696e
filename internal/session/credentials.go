package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credentials describe the linked device. Key material lives in the
// transport's own device store; this record tracks which account it belongs to.
type Credentials struct {
	DeviceID     string    `json:"device_id"`
	BusinessName string    `json:"business_name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	PairedAt     time.Time `json:"paired_at"`
}

// CredentialStore persists Credentials across restarts.
type CredentialStore interface {
	Load() (*Credentials, error)
	Save(*Credentials) error
	Clear() error
}

// FileCredentialStore writes credentials to a JSON file on disk.
type FileCredentialStore struct {
	path string
}

// NewFileCredentialStore builds a FileCredentialStore at path.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

// Load reads credentials from disk. A missing file resolves to nil.
func (s *FileCredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decode session credentials: %w", err)
	}
	return &creds, nil
}

// Save persists credentials with restricted permissions. The file is
// replaced atomically so a crash never leaves a partial record.
func (s *FileCredentialStore) Save(creds *Credentials) error {
	if creds == nil {
		return s.Clear()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("ensure session directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session credentials: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session credentials: %w", err)
	}
	return nil
}

// Clear removes the persisted credentials.
func (s *FileCredentialStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session credentials: %w", err)
	}
	return nil
}
