// ABOUTME: This file defines domain models for bearer token lifecycle management
// ABOUTME: Handles token expiry evaluation, exchange responses, and device metadata

package models

import (
	"time"
)

// AuthToken represents the backend-issued bearer token for this installation.
// Exactly one AuthToken exists at a time; it is overwritten on every successful
// refresh and removed on clear.
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAuthToken creates an AuthToken from an exchange result, converting the
// relative validity duration into an absolute expiry.
func NewAuthToken(token string, expiresInSeconds int) *AuthToken {
	return &AuthToken{
		Token:     token,
		ExpiresAt: time.Now().Add(time.Duration(expiresInSeconds) * time.Second),
	}
}

// IsExpired checks if the token is expired.
func (t *AuthToken) IsExpired() bool {
	return !time.Now().Before(t.ExpiresAt)
}

// IsValid checks if the token is non-empty and not expired.
func (t *AuthToken) IsValid() bool {
	return t.Token != "" && !t.IsExpired()
}

// NeedsRefresh checks if the token should be refreshed proactively, using a
// buffer ahead of the actual expiry. A missing or expired token always needs
// a refresh.
func (t *AuthToken) NeedsRefresh(buffer time.Duration) bool {
	return t.Token == "" || time.Now().Add(buffer).After(t.ExpiresAt)
}

// TimeUntilExpiry returns the duration until token expiry.
func (t *AuthToken) TimeUntilExpiry() time.Duration {
	return time.Until(t.ExpiresAt)
}

// ExchangeResponse represents the token exchange response from the backend.
type ExchangeResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"` // Seconds until expiration
}

// TokenRequestMetadata identifies this installation on attestation and
// exchange calls. Derived once per process lifetime and never mutated.
type TokenRequestMetadata struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// Environment selects the fallback policy for attestation failures. It is
// read once at startup and never changes at runtime.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
)

// ParseEnvironment maps a configuration string onto an Environment. Anything
// that is not explicitly development resolves to production so that the
// synthetic-token fallback can never be enabled by a typo.
func ParseEnvironment(value string) Environment {
	if value == string(EnvironmentDevelopment) {
		return EnvironmentDevelopment
	}
	return EnvironmentProduction
}

// IsDevelopment reports whether the development fallback policy is active.
func (e Environment) IsDevelopment() bool {
	return e == EnvironmentDevelopment
}
