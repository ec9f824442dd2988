// ABOUTME: This file defines the bearer token repository interface and shared validation
// ABOUTME: Handles durable storage contracts for the single per-installation token

package repository

import (
	"context"
	"fmt"

	"auth-token-manager/models"
)

// AuthTokenRepository defines the interface for bearer token storage
// operations. Exactly one token record exists at a time, kept under a single
// well-known key per backend.
type AuthTokenRepository interface {
	// GetCurrentToken retrieves the stored token. The record is returned as-is;
	// validity filtering is the caller's responsibility.
	GetCurrentToken(ctx context.Context) (*models.AuthToken, error)

	// SaveToken stores a token, replacing any prior value.
	SaveToken(ctx context.Context, token *models.AuthToken) error

	// DeleteToken removes the stored token. Deleting an absent token is not an error.
	DeleteToken(ctx context.Context) error

	// HasValidToken reports whether a stored, unexpired token exists. Storage
	// errors never count as a valid token being present.
	HasValidToken(ctx context.Context) bool
}

// Repository error definitions
var (
	ErrTokenNotFound = fmt.Errorf("bearer token not found in storage")
	ErrInvalidToken  = fmt.Errorf("invalid bearer token provided")
	ErrStorageError  = fmt.Errorf("storage operation failed")
)

// validateToken checks a token before any storage operation. Expired tokens
// are rejected so that expiry is always in the future at the moment of store.
func validateToken(token *models.AuthToken) error {
	if token == nil {
		return ErrInvalidToken
	}

	if token.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidToken)
	}

	if token.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expires_at is required", ErrInvalidToken)
	}

	if token.IsExpired() {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidToken)
	}

	return nil
}
