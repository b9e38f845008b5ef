// Package fs provides a file system-based credential store for the tokenkeeper client.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/client"
)

var _ client.CredentialStore = (*Store)(nil)

// Store keeps the token pair in a JSON file readable only by its owner.
// Every Set and Clear is written through to disk before it returns.
type Store struct {
	mu   sync.RWMutex
	path string
}

// New creates a file-backed store.
// If path is empty, defaults to <UserConfigDir>/<appName>/credentials.json
func New(path string, appName string) (*Store, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "tokenkeeper"
		}
		path = filepath.Join(configDir, appName, "credentials.json")
	}

	s := &Store{path: path}

	// Fail early on a corrupt file rather than on first use
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the credential from disk. A missing file is an empty store.
func (s *Store) load() (*tk.Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var cred tk.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, nil
	}
	return &cred, nil
}

func (s *Store) Get(ctx context.Context) (*tk.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

func (s *Store) Set(ctx context.Context, cred tk.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(data)
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

// write replaces the file atomically so a crash never leaves half a token pair.
func (s *Store) write(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	return nil
}

// Path returns the path to the credentials file
func (s *Store) Path() string {
	return s.path
}
