// ABOUTME: This file implements the local admin API for token inspection and control
// ABOUTME: Bearer-authenticated, rate-limited endpoints for status, refresh, and clear

package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"auth-token-manager/service"
)

// TokenManager is the slice of the lifecycle service the admin API needs.
type TokenManager interface {
	GetTokenStatus(ctx context.Context) service.TokenStatus
	Refresh(ctx context.Context) error
	Clear(ctx context.Context) error
	IsAuthenticated(ctx context.Context) bool
}

// RateLimiter guards the admin endpoints against runaway callers.
type RateLimiter interface {
	IsAllowed(clientIP string, endpoint string) bool
	RecordRequest(clientIP string, endpoint string)
}

// AdminAPIHandler serves the loopback admin API.
type AdminAPIHandler struct {
	tokenManager TokenManager
	rateLimiter  RateLimiter
	adminToken   string
	logger       *slog.Logger
}

// ErrorResponse is the admin API error envelope.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionResponse acknowledges a state-changing admin operation.
type ActionResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenStatusResponse reports the stored token's state without exposing it.
type TokenStatusResponse struct {
	Status       string    `json:"status"`
	Exists       bool      `json:"exists"`
	IsValid      bool      `json:"is_valid"`
	IsExpired    bool      `json:"is_expired"`
	NeedsRefresh bool      `json:"needs_refresh"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Environment  string    `json:"environment"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewAdminAPIHandler creates the admin API handler. adminToken is the static
// bearer secret required on every endpoint except the health check.
func NewAdminAPIHandler(tokenManager TokenManager, rateLimiter RateLimiter, adminToken string, logger *slog.Logger) *AdminAPIHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &AdminAPIHandler{
		tokenManager: tokenManager,
		rateLimiter:  rateLimiter,
		adminToken:   adminToken,
		logger:       logger,
	}
}

// Routes returns the admin API mux.
func (h *AdminAPIHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/token/status", h.HandleTokenStatus)
	mux.HandleFunc("/admin/token/refresh", h.HandleTokenRefresh)
	mux.HandleFunc("/admin/token/clear", h.HandleTokenClear)
	mux.HandleFunc("/healthz", h.HandleHealthCheck)
	return mux
}

// HandleTokenStatus returns the stored token's validity state.
func (h *AdminAPIHandler) HandleTokenStatus(w http.ResponseWriter, r *http.Request) {
	h.setSecurityHeaders(w)

	if r.Method != http.MethodGet {
		h.respondWithError(w, "METHOD_NOT_ALLOWED", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorize(w, r, "/admin/token/status") {
		return
	}

	status := h.tokenManager.GetTokenStatus(r.Context())

	response := TokenStatusResponse{
		Status:       "success",
		Exists:       status.Exists,
		IsValid:      status.IsValid,
		IsExpired:    status.IsExpired,
		NeedsRefresh: status.NeedsRefresh,
		ExpiresAt:    status.ExpiresAt,
		Environment:  status.Environment,
		Timestamp:    time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// HandleTokenRefresh forces a token refresh.
func (h *AdminAPIHandler) HandleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	h.setSecurityHeaders(w)
	clientIP := getClientIP(r)

	if r.Method != http.MethodPost {
		h.respondWithError(w, "METHOD_NOT_ALLOWED", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorize(w, r, "/admin/token/refresh") {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	h.logger.Info("Forced token refresh requested via admin API", "client_ip", clientIP)

	if err := h.tokenManager.Refresh(ctx); err != nil {
		h.logger.Error("Forced token refresh failed", "error", err, "client_ip", clientIP)
		h.respondWithError(w, "REFRESH_FAILED", "Token refresh failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ActionResponse{
		Status:    "success",
		Message:   "Token refreshed successfully",
		Timestamp: time.Now(),
	})
}

// HandleTokenClear removes the stored token.
func (h *AdminAPIHandler) HandleTokenClear(w http.ResponseWriter, r *http.Request) {
	h.setSecurityHeaders(w)
	clientIP := getClientIP(r)

	if r.Method != http.MethodPost {
		h.respondWithError(w, "METHOD_NOT_ALLOWED", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorize(w, r, "/admin/token/clear") {
		return
	}

	h.logger.Info("Token clear requested via admin API", "client_ip", clientIP)

	if err := h.tokenManager.Clear(r.Context()); err != nil {
		h.logger.Error("Token clear failed", "error", err, "client_ip", clientIP)
		h.respondWithError(w, "CLEAR_FAILED", "Failed to clear stored token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ActionResponse{
		Status:    "success",
		Message:   "Stored token cleared",
		Timestamp: time.Now(),
	})
}

// HandleHealthCheck reports process liveness. Unauthenticated so orchestrator
// probes can reach it.
func (h *AdminAPIHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondWithError(w, "METHOD_NOT_ALLOWED", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "healthy",
		"authenticated": h.tokenManager.IsAuthenticated(r.Context()),
		"timestamp":     time.Now(),
	})
}

// authorize runs the shared rate-limit and bearer-auth checks. It writes the
// error response itself and reports whether the request may proceed.
func (h *AdminAPIHandler) authorize(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	clientIP := getClientIP(r)

	if !h.rateLimiter.IsAllowed(clientIP, endpoint) {
		h.logger.Warn("Rate limit exceeded for admin API",
			"client_ip", clientIP,
			"endpoint", endpoint)
		h.respondWithError(w, "RATE_LIMITED", "Rate limit exceeded", http.StatusTooManyRequests)
		return false
	}

	authToken := extractBearerToken(r)
	if authToken == "" {
		h.respondWithError(w, "MISSING_AUTHORIZATION", "Authorization header with Bearer token is required", http.StatusUnauthorized)
		return false
	}

	if subtle.ConstantTimeCompare([]byte(authToken), []byte(h.adminToken)) != 1 {
		h.logger.Warn("Invalid admin API token", "client_ip", clientIP, "endpoint", endpoint)
		h.respondWithError(w, "INVALID_TOKEN", "Invalid authentication token", http.StatusUnauthorized)
		return false
	}

	h.rateLimiter.RecordRequest(clientIP, endpoint)
	return true
}

// setSecurityHeaders applies baseline security headers to every response.
func (h *AdminAPIHandler) setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}

// respondWithError writes the error envelope.
func (h *AdminAPIHandler) respondWithError(w http.ResponseWriter, errorCode, message string, statusCode int) {
	response := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// extractBearerToken pulls the bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return parts[1]
}

// getClientIP resolves the client address, preferring proxy headers.
func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	return r.RemoteAddr
}
