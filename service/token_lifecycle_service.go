// ABOUTME: This file implements bearer token lifecycle management for the client side
// ABOUTME: Handles attestation-based refresh with single-flight coordination and dev fallback

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"auth-token-manager/driver"
	"auth-token-manager/models"
	"auth-token-manager/repository"
)

// refreshKey is the fixed single-flight key: there is only one token per
// installation, so all refreshes coalesce onto one flight.
const refreshKey = "token_refresh"

// TokenLifecycleService owns the bearer token lifecycle: storage, validity
// checks, attestation-based refresh, and the development fallback.
type TokenLifecycleService struct {
	tokenRepo   repository.AuthTokenRepository
	assertions  driver.AssertionProvider
	exchanger   driver.TokenExchanger
	metadata    models.TokenRequestMetadata
	environment models.Environment
	logger      *slog.Logger

	// refreshBuffer only drives proactive background refresh; a token inside
	// the buffer window is still served to callers until it actually expires.
	refreshBuffer time.Duration

	// Single-flight group prevents concurrent refresh operations
	refreshGroup *singleflight.Group

	metricsMu sync.Mutex
	metrics   TokenLifecycleMetrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// TokenLifecycleMetrics tracks token lifecycle operations
type TokenLifecycleMetrics struct {
	TotalRefreshAttempts int64         `json:"total_refresh_attempts"`
	SuccessfulRefreshes  int64         `json:"successful_refreshes"`
	FailedRefreshes      int64         `json:"failed_refresh_count"`
	DevTokenFallbacks    int64         `json:"dev_token_fallbacks"`
	SingleFlightHits     int64         `json:"singleflight_hits"`
	CacheHits            int64         `json:"cache_hits"`
	LastRefreshTime      time.Time     `json:"last_refresh_time"`
	LastRefreshDuration  time.Duration `json:"last_refresh_duration"`
}

// TokenStatus represents the current status of the stored bearer token
type TokenStatus struct {
	Exists       bool          `json:"exists"`
	IsValid      bool          `json:"is_valid"`
	IsExpired    bool          `json:"is_expired"`
	NeedsRefresh bool          `json:"needs_refresh"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
	TimeToExpiry time.Duration `json:"time_to_expiry,omitempty"`
	Environment  string        `json:"environment"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// NewTokenLifecycleService creates a new token lifecycle service with the
// default 5-minute proactive refresh buffer.
func NewTokenLifecycleService(
	tokenRepo repository.AuthTokenRepository,
	assertions driver.AssertionProvider,
	exchanger driver.TokenExchanger,
	metadata models.TokenRequestMetadata,
	environment models.Environment,
	logger *slog.Logger,
) *TokenLifecycleService {
	return NewTokenLifecycleServiceWithBuffer(tokenRepo, assertions, exchanger, metadata, environment, logger, 5*time.Minute)
}

// NewTokenLifecycleServiceWithBuffer creates a token lifecycle service with a
// custom proactive refresh buffer.
func NewTokenLifecycleServiceWithBuffer(
	tokenRepo repository.AuthTokenRepository,
	assertions driver.AssertionProvider,
	exchanger driver.TokenExchanger,
	metadata models.TokenRequestMetadata,
	environment models.Environment,
	logger *slog.Logger,
	refreshBuffer time.Duration,
) *TokenLifecycleService {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenLifecycleService{
		tokenRepo:     tokenRepo,
		assertions:    assertions,
		exchanger:     exchanger,
		metadata:      metadata,
		environment:   environment,
		logger:        logger,
		refreshBuffer: refreshBuffer,
		refreshGroup:  &singleflight.Group{},
		stopCh:        make(chan struct{}),
	}
}

// Initialize loads the stored token and refreshes it when absent or expired.
// A failed refresh is returned to the caller; the service stays usable and
// later GetToken calls will try again.
func (s *TokenLifecycleService) Initialize(ctx context.Context) error {
	s.logger.Info("Initializing token lifecycle service",
		"environment", string(s.environment),
		"device_id", s.metadata.DeviceID)

	token, err := s.tokenRepo.GetCurrentToken(ctx)
	if err == nil && token.IsValid() {
		s.logger.Info("Valid bearer token found in storage",
			"expires_at", token.ExpiresAt,
			"time_until_expiry", token.TimeUntilExpiry())
		return nil
	}

	if err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
		return fmt.Errorf("token storage access failed: %w", err)
	}

	if _, err := s.refreshToken(ctx, false); err != nil {
		return fmt.Errorf("initial token acquisition failed: %w", err)
	}

	return nil
}

// GetToken returns a currently valid bearer token, refreshing through the
// single-flight group when the stored one is absent or expired.
func (s *TokenLifecycleService) GetToken(ctx context.Context) (string, error) {
	token, err := s.tokenRepo.GetCurrentToken(ctx)
	if err == nil && token.IsValid() {
		s.metricsMu.Lock()
		s.metrics.CacheHits++
		s.metricsMu.Unlock()
		return token.Token, nil
	}

	if err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
		return "", fmt.Errorf("token storage access failed: %w", err)
	}

	refreshed, err := s.refreshToken(ctx, false)
	if err != nil {
		return "", err
	}

	return refreshed.Token, nil
}

// Refresh forces a new token to be acquired even if the stored one is still
// valid. Concurrent calls share a single flight.
func (s *TokenLifecycleService) Refresh(ctx context.Context) error {
	_, err := s.refreshToken(ctx, true)
	return err
}

// Clear removes the stored token. The next GetToken call starts from scratch.
func (s *TokenLifecycleService) Clear(ctx context.Context) error {
	if err := s.tokenRepo.DeleteToken(ctx); err != nil {
		return fmt.Errorf("failed to clear stored token: %w", err)
	}

	s.logger.Info("Stored bearer token cleared")
	return nil
}

// IsAuthenticated reports whether a valid token is currently stored. It never
// triggers a refresh.
func (s *TokenLifecycleService) IsAuthenticated(ctx context.Context) bool {
	return s.tokenRepo.HasValidToken(ctx)
}

// refreshToken coordinates a token refresh through the single-flight group.
// The flight itself runs on a context detached from the caller so that an
// abandoned request cannot cancel a refresh other callers are waiting on.
func (s *TokenLifecycleService) refreshToken(ctx context.Context, force bool) (*models.AuthToken, error) {
	startTime := time.Now()

	s.metricsMu.Lock()
	s.metrics.TotalRefreshAttempts++
	s.metricsMu.Unlock()

	flightCtx := context.WithoutCancel(ctx)

	result, err, shared := s.refreshGroup.Do(refreshKey, func() (interface{}, error) {
		// Re-check storage in case another flight already refreshed the token
		if !force {
			current, err := s.tokenRepo.GetCurrentToken(flightCtx)
			if err == nil && current.IsValid() {
				s.logger.Debug("Token was already refreshed by another operation")
				return current, nil
			}
		}

		return s.performRefresh(flightCtx)
	})

	duration := time.Since(startTime)

	s.metricsMu.Lock()
	s.metrics.LastRefreshTime = startTime
	s.metrics.LastRefreshDuration = duration
	if shared {
		s.metrics.SingleFlightHits++
	}
	if err != nil {
		s.metrics.FailedRefreshes++
	} else {
		s.metrics.SuccessfulRefreshes++
	}
	s.metricsMu.Unlock()

	if err != nil {
		s.logger.Error("Token refresh failed",
			"error", err,
			"duration", duration,
			"forced", force)
		return nil, err
	}

	token := result.(*models.AuthToken)
	s.logger.Info("Token refresh completed",
		"duration", duration,
		"shared_result", shared,
		"expires_at", token.ExpiresAt)

	return token, nil
}

// performRefresh runs exactly one attestation-and-exchange round trip. No
// retries happen here; failures surface once to every waiter.
func (s *TokenLifecycleService) performRefresh(ctx context.Context) (*models.AuthToken, error) {
	token, err := s.acquireToken(ctx)
	if err != nil {
		// Only a missing or denying attestation capability triggers the
		// development fallback; exchange failures are fatal everywhere.
		if s.environment.IsDevelopment() && isAttestationError(err) {
			return s.fallbackToDevToken(ctx, err)
		}
		return nil, err
	}

	if err := s.tokenRepo.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	return token, nil
}

// acquireToken obtains a platform assertion and exchanges it for a bearer
// token. One assertion, one exchange; a rejected assertion propagates and the
// next caller-initiated refresh starts the cycle over.
func (s *TokenLifecycleService) acquireToken(ctx context.Context) (*models.AuthToken, error) {
	assertion, err := s.assertions.GetAssertion(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("attestation assertion unavailable: %w", err)
	}

	resp, err := s.exchanger.Exchange(ctx, assertion, s.metadata)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	return models.NewAuthToken(resp.Token, resp.ExpiresIn), nil
}

// isAttestationError reports whether the failure originated in the
// attestation step rather than the exchange.
func isAttestationError(err error) bool {
	return errors.Is(err, driver.ErrAttestationUnavailable) || errors.Is(err, driver.ErrAttestationFailed)
}

// fallbackToDevToken mints a synthetic token after a failed attestation.
// Only reachable in development environments.
func (s *TokenLifecycleService) fallbackToDevToken(ctx context.Context, cause error) (*models.AuthToken, error) {
	s.logger.Warn("Falling back to development token", "cause", cause)

	token, err := buildDevToken(s.metadata)
	if err != nil {
		return nil, fmt.Errorf("dev token fallback failed (original error: %v): %w", cause, err)
	}

	s.metricsMu.Lock()
	s.metrics.DevTokenFallbacks++
	s.metricsMu.Unlock()

	if err := s.tokenRepo.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to persist dev token: %w", err)
	}

	return token, nil
}

// GetTokenStatus returns the current token status for monitoring.
func (s *TokenLifecycleService) GetTokenStatus(ctx context.Context) TokenStatus {
	status := TokenStatus{Environment: string(s.environment)}

	token, err := s.tokenRepo.GetCurrentToken(ctx)
	if err != nil {
		status.IsExpired = true
		status.NeedsRefresh = true
		if !errors.Is(err, repository.ErrTokenNotFound) {
			status.ErrorMessage = err.Error()
		}
		return status
	}

	status.Exists = true
	status.IsValid = token.IsValid()
	status.IsExpired = token.IsExpired()
	status.NeedsRefresh = token.NeedsRefresh(s.refreshBuffer)
	status.ExpiresAt = token.ExpiresAt
	status.TimeToExpiry = token.TimeUntilExpiry()
	return status
}

// GetMetrics returns a snapshot of the lifecycle metrics.
func (s *TokenLifecycleService) GetMetrics() TokenLifecycleMetrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

// StartAutoRefresh launches the background loop that proactively refreshes
// the token once it enters the refresh buffer window.
func (s *TokenLifecycleService) StartAutoRefresh(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("Auto-refresh loop started",
			"check_interval", interval,
			"refresh_buffer", s.refreshBuffer)

		for {
			select {
			case <-s.stopCh:
				s.logger.Info("Auto-refresh loop stopped")
				return
			case <-ticker.C:
				s.checkAndRefresh()
			}
		}
	}()
}

// checkAndRefresh refreshes the token if it is inside the buffer window.
// Failures are logged and retried on the next tick.
func (s *TokenLifecycleService) checkAndRefresh() {
	ctx := context.Background()

	token, err := s.tokenRepo.GetCurrentToken(ctx)
	if err == nil && !token.NeedsRefresh(s.refreshBuffer) {
		return
	}

	if err != nil && !errors.Is(err, repository.ErrTokenNotFound) {
		s.logger.Error("Auto-refresh storage check failed", "error", err)
		return
	}

	if _, err := s.refreshToken(ctx, false); err != nil {
		s.logger.Warn("Proactive token refresh failed, will retry next tick", "error", err)
	}
}

// Stop terminates the auto-refresh loop and waits for it to exit.
func (s *TokenLifecycleService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
