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
	"time"

	"auth-token-manager/models"
)

// Exchange specific error types for better error handling
var (
	ErrExchangeRejected    = errors.New("backend rejected the attestation assertion")
	ErrExchangeUnreachable = errors.New("token exchange backend is unreachable")
)

// TokenExchanger trades one attestation assertion for one backend-issued
// bearer token. The call is idempotent; retry policy belongs to the caller.
type TokenExchanger interface {
	Exchange(ctx context.Context, assertion string, metadata models.TokenRequestMetadata) (*models.ExchangeResponse, error)
}

// exchangeRequest is the payload sent to the token exchange endpoint.
type exchangeRequest struct {
	AttestationToken string `json:"attestation_token"`
	DeviceID         string `json:"device_id"`
	Platform         string `json:"platform"`
}

// exchangeErrorResponse represents an application-level error from the backend.
type exchangeErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ExchangeClient performs the attestation-for-token exchange against the
// backend RPC service.
type ExchangeClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewExchangeClient creates a new token exchange client.
func NewExchangeClient(baseURL string, timeout time.Duration, logger *slog.Logger) *ExchangeClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ExchangeClient{
		baseURL: baseURL,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: timeout,
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

// Exchange sends the assertion plus device metadata to the backend and
// returns the issued bearer token with its validity duration. Exactly one
// RPC is made per call; no retries happen here.
func (c *ExchangeClient) Exchange(ctx context.Context, assertion string, metadata models.TokenRequestMetadata) (*models.ExchangeResponse, error) {
	payload, err := json.Marshal(exchangeRequest{
		AttestationToken: assertion,
		DeviceID:         metadata.DeviceID,
		Platform:         metadata.Platform,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "auth-token-manager/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeUnreachable, err)
	}
	defer resp.Body.Close()

	// Check for HTTP errors FIRST before parsing JSON
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		bodyStr := string(body)

		c.logger.Error("Token exchange failed",
			"status_code", resp.StatusCode,
			"response_body", bodyStr,
			"content_type", resp.Header.Get("Content-Type"))

		switch {
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Application-level denial: invalid, stale, or unrecognized assertion
			var backendErr exchangeErrorResponse
			if err := json.Unmarshal(body, &backendErr); err == nil && backendErr.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrExchangeRejected, backendErr.Error)
			}
			return nil, fmt.Errorf("%w: HTTP %d", ErrExchangeRejected, resp.StatusCode)

		default:
			// 5xx and anything else is a transport-level failure for the caller
			return nil, fmt.Errorf("%w: HTTP %d", ErrExchangeUnreachable, resp.StatusCode)
		}
	}

	var exchangeResp models.ExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&exchangeResp); err != nil {
		return nil, fmt.Errorf("failed to decode exchange response: %w", err)
	}

	if exchangeResp.Token == "" {
		return nil, fmt.Errorf("%w: empty token in response", ErrExchangeRejected)
	}
	if exchangeResp.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: non-positive expires_in in response", ErrExchangeRejected)
	}

	c.logger.Info("Token exchange successful",
		"token_length", len(exchangeResp.Token),
		"expires_in_seconds", exchangeResp.ExpiresIn)

	return &exchangeResp, nil
}

// SetHTTPClient allows injecting a custom HTTP client (useful for testing with proxies)
func (c *ExchangeClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
