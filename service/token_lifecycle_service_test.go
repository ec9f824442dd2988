// ABOUTME: This file tests the token lifecycle service including single-flight behavior
// ABOUTME: Verifies refresh coordination, dev fallback, and cache short-circuits

package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-token-manager/driver"
	"auth-token-manager/models"
	"auth-token-manager/repository"
)

var testMetadata = models.TokenRequestMetadata{
	DeviceID: "device-1234",
	Platform: "linux",
}

// fakeExchanger implements driver.TokenExchanger with controllable behavior.
type fakeExchanger struct {
	mu        sync.Mutex
	calls     atomic.Int64
	delay     time.Duration
	err       error
	token     string
	expiresIn int
}

func (f *fakeExchanger) Exchange(ctx context.Context, assertion string, metadata models.TokenRequestMetadata) (*models.ExchangeResponse, error) {
	f.calls.Add(1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	token := f.token
	if token == "" {
		token = "issued-bearer-token"
	}
	expiresIn := f.expiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}

	return &models.ExchangeResponse{Token: token, ExpiresIn: expiresIn}, nil
}

func (f *fakeExchanger) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestService(repo repository.AuthTokenRepository, exchanger driver.TokenExchanger, env models.Environment) *TokenLifecycleService {
	provider := &driver.StaticAssertionProvider{Assertion: "canned-assertion"}
	return NewTokenLifecycleService(repo, provider, exchanger, testMetadata, env, nil)
}

func TestGetToken_ReturnsStoredValidToken(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()
	require.NoError(t, repo.SaveToken(context.Background(), models.NewAuthToken("stored-bearer", 3600)))

	exchanger := &fakeExchanger{}
	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	token, err := svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored-bearer", token)
	assert.Equal(t, int64(0), exchanger.calls.Load(), "valid stored token must not trigger an exchange")

	metrics := svc.GetMetrics()
	assert.Equal(t, int64(1), metrics.CacheHits)
}

func TestGetToken_RefreshesExpiredToken(t *testing.T) {
	repo := repository.NewInMemoryTokenRepositoryWithToken(&models.AuthToken{
		Token:     "stale-bearer",
		ExpiresAt: time.Now().Add(-time.Hour),
	})

	exchanger := &fakeExchanger{token: "fresh-bearer"}
	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	token, err := svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-bearer", token)
	assert.Equal(t, int64(1), exchanger.calls.Load())

	// The refreshed token was persisted
	stored, err := repo.GetCurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-bearer", stored.Token)
}

func TestGetToken_SingleFlightCoalescesConcurrentRefreshes(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()
	exchanger := &fakeExchanger{token: "shared-bearer", delay: 100 * time.Millisecond}
	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	const concurrency = 20
	results := make([]string, concurrency)
	errs := make([]error, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = svc.GetToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < concurrency; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-bearer", results[i])
	}

	assert.Equal(t, int64(1), exchanger.calls.Load(), "all callers must share one exchange")
}

func TestGetToken_FlightSurvivesCallerCancellation(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()
	exchanger := &fakeExchanger{token: "survivor-bearer", delay: 100 * time.Millisecond}
	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// The caller's context is cancelled mid-flight; the refresh itself runs
	// on a detached context and still completes and persists.
	_, _ = svc.GetToken(ctx)

	assert.Eventually(t, func() bool {
		return repo.HasValidToken(context.Background())
	}, time.Second, 10*time.Millisecond, "refresh should complete despite caller cancellation")
}

func TestGetToken_FailurePropagatesAndRecovers(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()
	exchanger := &fakeExchanger{}
	exchanger.setError(driver.ErrExchangeUnreachable)

	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	_, err := svc.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrExchangeUnreachable))

	// No failed-state latching: once the backend recovers, so does the service
	exchanger.setError(nil)

	token, err := svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "issued-bearer-token", token)

	metrics := svc.GetMetrics()
	assert.Equal(t, int64(1), metrics.FailedRefreshes)
	assert.Equal(t, int64(1), metrics.SuccessfulRefreshes)
}

func TestGetToken_RejectedExchangeIsNotRetried(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()

	var exchangeCalls atomic.Int64
	exchanger := exchangerFunc(func(ctx context.Context, assertion string, metadata models.TokenRequestMetadata) (*models.ExchangeResponse, error) {
		exchangeCalls.Add(1)
		return nil, driver.ErrExchangeRejected
	})

	provider := &driver.StaticAssertionProvider{Assertion: "canned-assertion"}
	svc := NewTokenLifecycleService(repo, provider, exchanger, testMetadata, models.EnvironmentProduction, nil)

	_, err := svc.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrExchangeRejected))

	// Exactly one assertion and one exchange per attempt; retry timing
	// belongs to the caller, not the coordinator.
	assert.Equal(t, int64(1), exchangeCalls.Load())
	assert.Equal(t, int64(1), provider.Calls())
	assert.False(t, repo.HasValidToken(context.Background()))

	// The next caller-initiated attempt runs a fresh cycle
	_, err = svc.GetToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(2), exchangeCalls.Load())
	assert.Equal(t, int64(2), provider.Calls())
}

// exchangerFunc adapts a function to driver.TokenExchanger.
type exchangerFunc func(ctx context.Context, assertion string, metadata models.TokenRequestMetadata) (*models.ExchangeResponse, error)

func (f exchangerFunc) Exchange(ctx context.Context, assertion string, metadata models.TokenRequestMetadata) (*models.ExchangeResponse, error) {
	return f(ctx, assertion, metadata)
}

func TestGetToken_NoDevFallbackOnExchangeFailure(t *testing.T) {
	// Exchange failures are fatal in every environment; only attestation
	// failures may downgrade to a dev token.
	tests := map[string]error{
		"unreachable": driver.ErrExchangeUnreachable,
		"rejected":    driver.ErrExchangeRejected,
	}

	for name, exchangeErr := range tests {
		t.Run(name, func(t *testing.T) {
			repo := repository.NewInMemoryTokenRepository()
			exchanger := &fakeExchanger{}
			exchanger.setError(exchangeErr)

			svc := newTestService(repo, exchanger, models.EnvironmentDevelopment)

			_, err := svc.GetToken(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, exchangeErr))

			metrics := svc.GetMetrics()
			assert.Equal(t, int64(0), metrics.DevTokenFallbacks)
			assert.False(t, repo.HasValidToken(context.Background()))
		})
	}
}

func TestGetToken_DevFallbackOnAttestationFailure(t *testing.T) {
	tests := map[string]error{
		"unavailable": driver.ErrAttestationUnavailable,
		"denied":      driver.ErrAttestationFailed,
	}

	for name, attestationErr := range tests {
		t.Run(name, func(t *testing.T) {
			repo := repository.NewInMemoryTokenRepository()
			provider := &driver.StaticAssertionProvider{Err: attestationErr}
			exchanger := &fakeExchanger{}

			svc := NewTokenLifecycleService(repo, provider, exchanger, testMetadata, models.EnvironmentDevelopment, nil)

			token, err := svc.GetToken(context.Background())
			require.NoError(t, err)
			assert.Len(t, strings.Split(token, "."), 3, "fallback token is JWT-shaped")
			assert.Equal(t, int64(0), exchanger.calls.Load(), "no exchange without an assertion")

			metrics := svc.GetMetrics()
			assert.Equal(t, int64(1), metrics.DevTokenFallbacks)

			// The dev token is persisted like any other
			assert.True(t, repo.HasValidToken(context.Background()))
		})
	}
}

func TestGetToken_NoDevFallbackInProduction(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()
	provider := &driver.StaticAssertionProvider{Err: driver.ErrAttestationUnavailable}

	svc := NewTokenLifecycleService(repo, provider, &fakeExchanger{}, testMetadata, models.EnvironmentProduction, nil)

	_, err := svc.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrAttestationUnavailable))
	assert.False(t, repo.HasValidToken(context.Background()))
}

// failingSaveRepository rejects every write with a storage error.
type failingSaveRepository struct {
	*repository.InMemoryTokenRepository
}

func (r *failingSaveRepository) SaveToken(ctx context.Context, token *models.AuthToken) error {
	return repository.ErrStorageError
}

func TestGetToken_StorageWriteFailureSurfaces(t *testing.T) {
	repo := &failingSaveRepository{repository.NewInMemoryTokenRepository()}
	exchanger := &fakeExchanger{token: "unpersistable-bearer"}

	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	_, err := svc.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrStorageError), "a swallowed write would report success over empty storage")
	assert.False(t, repo.HasValidToken(context.Background()))
}

func TestGetToken_DevTokenStorageWriteFailureSurfaces(t *testing.T) {
	repo := &failingSaveRepository{repository.NewInMemoryTokenRepository()}
	provider := &driver.StaticAssertionProvider{Err: driver.ErrAttestationUnavailable}

	svc := NewTokenLifecycleService(repo, provider, &fakeExchanger{}, testMetadata, models.EnvironmentDevelopment, nil)

	_, err := svc.GetToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrStorageError))
}

func TestRefresh_ForcesNewTokenEvenWhenValid(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()
	require.NoError(t, repo.SaveToken(context.Background(), models.NewAuthToken("old-bearer", 3600)))

	exchanger := &fakeExchanger{token: "forced-bearer"}
	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	require.NoError(t, svc.Refresh(context.Background()))
	assert.Equal(t, int64(1), exchanger.calls.Load())

	token, err := svc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forced-bearer", token)
}

func TestClear_ResetsToUnauthenticated(t *testing.T) {
	repo := repository.NewInMemoryTokenRepository()
	require.NoError(t, repo.SaveToken(context.Background(), models.NewAuthToken("bearer", 3600)))

	svc := newTestService(repo, &fakeExchanger{}, models.EnvironmentProduction)
	assert.True(t, svc.IsAuthenticated(context.Background()))

	require.NoError(t, svc.Clear(context.Background()))
	assert.False(t, svc.IsAuthenticated(context.Background()))
}

func TestInitialize(t *testing.T) {
	t.Run("valid_stored_token_skips_refresh", func(t *testing.T) {
		repo := repository.NewInMemoryTokenRepository()
		require.NoError(t, repo.SaveToken(context.Background(), models.NewAuthToken("bearer", 3600)))

		exchanger := &fakeExchanger{}
		svc := newTestService(repo, exchanger, models.EnvironmentProduction)

		require.NoError(t, svc.Initialize(context.Background()))
		assert.Equal(t, int64(0), exchanger.calls.Load())
	})

	t.Run("empty_storage_acquires_token", func(t *testing.T) {
		repo := repository.NewInMemoryTokenRepository()
		exchanger := &fakeExchanger{token: "initial-bearer"}
		svc := newTestService(repo, exchanger, models.EnvironmentProduction)

		require.NoError(t, svc.Initialize(context.Background()))
		assert.True(t, repo.HasValidToken(context.Background()))
	})

	t.Run("unreachable_backend_returns_error", func(t *testing.T) {
		repo := repository.NewInMemoryTokenRepository()
		exchanger := &fakeExchanger{}
		exchanger.setError(driver.ErrExchangeUnreachable)

		svc := newTestService(repo, exchanger, models.EnvironmentProduction)

		err := svc.Initialize(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, driver.ErrExchangeUnreachable))
	})
}

func TestGetTokenStatus(t *testing.T) {
	t.Run("no_token", func(t *testing.T) {
		svc := newTestService(repository.NewInMemoryTokenRepository(), &fakeExchanger{}, models.EnvironmentProduction)

		status := svc.GetTokenStatus(context.Background())
		assert.False(t, status.Exists)
		assert.False(t, status.IsValid)
		assert.True(t, status.NeedsRefresh)
		assert.Empty(t, status.ErrorMessage)
	})

	t.Run("valid_token", func(t *testing.T) {
		repo := repository.NewInMemoryTokenRepository()
		require.NoError(t, repo.SaveToken(context.Background(), models.NewAuthToken("bearer", 3600)))

		svc := newTestService(repo, &fakeExchanger{}, models.EnvironmentProduction)

		status := svc.GetTokenStatus(context.Background())
		assert.True(t, status.Exists)
		assert.True(t, status.IsValid)
		assert.False(t, status.IsExpired)
		assert.Greater(t, status.TimeToExpiry, 50*time.Minute)
	})

	t.Run("token_inside_buffer_window_still_valid", func(t *testing.T) {
		repo := repository.NewInMemoryTokenRepository()
		// 2 minutes left: within the 5-minute buffer but not expired
		require.NoError(t, repo.SaveToken(context.Background(), models.NewAuthToken("bearer", 120)))

		svc := newTestService(repo, &fakeExchanger{}, models.EnvironmentProduction)

		status := svc.GetTokenStatus(context.Background())
		assert.True(t, status.IsValid)
		assert.True(t, status.NeedsRefresh)
	})
}

func TestAutoRefresh_RefreshesTokenInBufferWindow(t *testing.T) {
	// Seed a token with 1 minute left, well inside the buffer window
	repo := repository.NewInMemoryTokenRepositoryWithToken(&models.AuthToken{
		Token:     "about-to-expire",
		ExpiresAt: time.Now().Add(time.Minute),
	})

	exchanger := &fakeExchanger{token: "auto-refreshed"}
	svc := newTestService(repo, exchanger, models.EnvironmentProduction)

	svc.StartAutoRefresh(20 * time.Millisecond)
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		stored, err := repo.GetCurrentToken(context.Background())
		return err == nil && stored.Token == "auto-refreshed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStop_IsIdempotent(t *testing.T) {
	svc := newTestService(repository.NewInMemoryTokenRepository(), &fakeExchanger{}, models.EnvironmentProduction)
	svc.StartAutoRefresh(time.Hour)

	svc.Stop()
	svc.Stop()
}
