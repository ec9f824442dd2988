// ABOUTME: This file implements assertion acquisition from the platform integrity bridge
// ABOUTME: Provides the HTTP client, provider-internal caching, and a deterministic stub

package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"auth-token-manager/models"
)

// Attestation specific error types for better error handling
var (
	ErrAttestationUnavailable = errors.New("attestation capability is not initialized")
	ErrAttestationFailed      = errors.New("platform denied or could not produce an assertion")
)

// AssertionProvider obtains a short-lived assertion proving the request
// originates from a genuine, unmodified installation. forceRefresh bypasses
// any provider-internal caching; normal flows pass false.
type AssertionProvider interface {
	GetAssertion(ctx context.Context, forceRefresh bool) (string, error)
}

// assertionRequest is the payload sent to the integrity bridge.
type assertionRequest struct {
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform"`
	ForceRefresh bool   `json:"force_refresh"`
}

// assertionResponse is the integrity bridge response.
type assertionResponse struct {
	Assertion string `json:"assertion"`
}

// attestationErrorResponse represents an error response from the bridge.
type attestationErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// PlatformAttestationClient obtains assertions from the platform integrity
// bridge over HTTP. Assertions are cached for a short TTL and reused unless
// the caller forces a refresh.
type PlatformAttestationClient struct {
	endpoint   string
	metadata   models.TokenRequestMetadata
	httpClient *http.Client
	logger     *slog.Logger

	assertionTTL time.Duration

	mu              sync.Mutex
	cachedAssertion string
	cachedUntil     time.Time
}

// NewPlatformAttestationClient creates a new attestation client. An empty
// endpoint yields a client whose GetAssertion always reports the capability
// as unavailable.
func NewPlatformAttestationClient(endpoint string, metadata models.TokenRequestMetadata, assertionTTL time.Duration, logger *slog.Logger) *PlatformAttestationClient {
	if logger == nil {
		logger = slog.Default()
	}
	if assertionTTL <= 0 {
		assertionTTL = 2 * time.Minute
	}

	return &PlatformAttestationClient{
		endpoint:     endpoint,
		metadata:     metadata,
		assertionTTL: assertionTTL,
		logger:       logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   2,
			},
		},
	}
}

// GetAssertion returns a platform assertion, reusing a cached one when it is
// still fresh and forceRefresh is false.
func (c *PlatformAttestationClient) GetAssertion(ctx context.Context, forceRefresh bool) (string, error) {
	if c.endpoint == "" {
		return "", ErrAttestationUnavailable
	}

	c.mu.Lock()
	if !forceRefresh && c.cachedAssertion != "" && time.Now().Before(c.cachedUntil) {
		assertion := c.cachedAssertion
		c.mu.Unlock()
		c.logger.Debug("Reusing cached platform assertion", "cached_until", c.cachedUntil)
		return assertion, nil
	}
	c.mu.Unlock()

	assertion, err := c.requestAssertion(ctx, forceRefresh)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cachedAssertion = assertion
	c.cachedUntil = time.Now().Add(c.assertionTTL)
	c.mu.Unlock()

	return assertion, nil
}

// requestAssertion performs the actual integrity bridge call.
func (c *PlatformAttestationClient) requestAssertion(ctx context.Context, forceRefresh bool) (string, error) {
	payload, err := json.Marshal(assertionRequest{
		DeviceID:     c.metadata.DeviceID,
		Platform:     c.metadata.Platform,
		ForceRefresh: forceRefresh,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal assertion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/integrity/assertion", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create assertion request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "auth-token-manager/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAttestationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		bodyStr := string(body)

		c.logger.Error("Platform assertion request failed",
			"status_code", resp.StatusCode,
			"response_body", bodyStr)

		var bridgeErr attestationErrorResponse
		if err := json.Unmarshal(body, &bridgeErr); err == nil && bridgeErr.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrAttestationFailed, bridgeErr.Error)
		}
		return "", fmt.Errorf("%w: HTTP %d", ErrAttestationFailed, resp.StatusCode)
	}

	var assertionResp assertionResponse
	if err := json.NewDecoder(resp.Body).Decode(&assertionResp); err != nil {
		return "", fmt.Errorf("%w: failed to decode assertion response: %v", ErrAttestationFailed, err)
	}

	if assertionResp.Assertion == "" {
		return "", fmt.Errorf("%w: empty assertion in response", ErrAttestationFailed)
	}

	c.logger.Info("Platform assertion obtained",
		"assertion_length", len(assertionResp.Assertion),
		"force_refresh", forceRefresh)

	return assertionResp.Assertion, nil
}

// SetHTTPClient allows injecting a custom HTTP client (useful for testing with proxies)
func (c *PlatformAttestationClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// StaticAssertionProvider is a deterministic AssertionProvider returning a
// canned assertion or a fixed error. Used by development builds and tests.
type StaticAssertionProvider struct {
	Assertion string
	Err       error

	calls atomic.Int64
}

// GetAssertion returns the canned assertion or error.
func (p *StaticAssertionProvider) GetAssertion(ctx context.Context, forceRefresh bool) (string, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return "", p.Err
	}
	return p.Assertion, nil
}

// Calls reports how many times GetAssertion was invoked.
func (p *StaticAssertionProvider) Calls() int64 {
	return p.calls.Load()
}
