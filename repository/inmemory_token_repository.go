package repository

import (
	"context"
	"sync"

	"auth-token-manager/models"
)

// InMemoryTokenRepository implements AuthTokenRepository in process memory.
// Used by tests and by ephemeral processes that never need a token to
// survive a restart.
type InMemoryTokenRepository struct {
	mu    sync.RWMutex
	token *models.AuthToken
}

// NewInMemoryTokenRepository creates an empty in-memory token repository.
func NewInMemoryTokenRepository() *InMemoryTokenRepository {
	return &InMemoryTokenRepository{}
}

// NewInMemoryTokenRepositoryWithToken creates a repository pre-seeded with
// the given record. Seeding bypasses validation so tests can install expired
// tokens and exercise refresh paths.
func NewInMemoryTokenRepositoryWithToken(token *models.AuthToken) *InMemoryTokenRepository {
	copied := *token
	return &InMemoryTokenRepository{token: &copied}
}

// GetCurrentToken retrieves the stored token.
func (r *InMemoryTokenRepository) GetCurrentToken(ctx context.Context) (*models.AuthToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.token == nil {
		return nil, ErrTokenNotFound
	}

	copied := *r.token
	return &copied, nil
}

// SaveToken stores a token, replacing any prior value.
func (r *InMemoryTokenRepository) SaveToken(ctx context.Context, token *models.AuthToken) error {
	if err := validateToken(token); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *token
	r.token = &copied
	return nil
}

// DeleteToken removes the stored token.
func (r *InMemoryTokenRepository) DeleteToken(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.token = nil
	return nil
}

// HasValidToken reports whether a stored, unexpired token exists.
func (r *InMemoryTokenRepository) HasValidToken(ctx context.Context) bool {
	token, err := r.GetCurrentToken(ctx)
	return err == nil && token.IsValid()
}
