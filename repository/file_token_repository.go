// ABOUTME: This file implements file-backed bearer token storage
// ABOUTME: Persists the token record as JSON with owner-only permissions

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"auth-token-manager/models"
)

// FileTokenRepository implements AuthTokenRepository backed by a single JSON
// file on local disk. This is the default backend for standalone deployments
// where no orchestrator secret store is available.
type FileTokenRepository struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileTokenRepository creates a file-backed token repository. The parent
// directory must exist; the file itself is created on first save.
func NewFileTokenRepository(filePath string) *FileTokenRepository {
	return &FileTokenRepository{filePath: filePath}
}

// GetCurrentToken reads the token record from disk.
func (r *FileTokenRepository) GetCurrentToken(ctx context.Context) (*models.AuthToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: failed to read token file: %v", ErrStorageError, err)
	}

	var token models.AuthToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("%w: token file is corrupt: %v", ErrStorageError, err)
	}

	if token.Token == "" {
		return nil, ErrTokenNotFound
	}

	return &token, nil
}

// SaveToken writes the token record to disk, replacing any prior content.
// The record is written to a temp file and renamed into place so a crash
// mid-write never corrupts the previous token. Files are 0600 so only the
// owning user can read the token.
func (r *FileTokenRepository) SaveToken(ctx context.Context, token *models.AuthToken) error {
	if err := validateToken(token); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal token: %v", ErrStorageError, err)
	}

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: failed to create token directory: %v", ErrStorageError, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp token file: %v", ErrStorageError, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: failed to write token file: %v", ErrStorageError, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: failed to close token file: %v", ErrStorageError, err)
	}

	if err := os.Rename(tmp.Name(), r.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: failed to replace token file: %v", ErrStorageError, err)
	}

	return nil
}

// DeleteToken removes the token file. A missing file is not an error.
func (r *FileTokenRepository) DeleteToken(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to delete token file: %v", ErrStorageError, err)
	}

	return nil
}

// HasValidToken reports whether the file holds an unexpired token.
func (r *FileTokenRepository) HasValidToken(ctx context.Context) bool {
	token, err := r.GetCurrentToken(ctx)
	return err == nil && token.IsValid()
}
