// ABOUTME: This file implements memory-based rate limiting for the admin API
// ABOUTME: Per-IP sliding one-hour window with periodic cleanup of stale clients

package security

import (
	"log/slog"
	"sync"
	"time"
)

// MemoryRateLimiter enforces a per-client request budget over a sliding
// one-hour window. State lives in process memory; the admin API is
// single-instance so no shared store is needed.
type MemoryRateLimiter struct {
	maxRequestsPerHour int
	cleanupInterval    time.Duration

	mutex   sync.RWMutex
	clients map[string]*clientRateLimit

	logger *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

// clientRateLimit holds one client's request history.
type clientRateLimit struct {
	requests []requestRecord
	lastSeen time.Time
}

// requestRecord is a single recorded request.
type requestRecord struct {
	timestamp time.Time
	endpoint  string
}

// NewMemoryRateLimiter creates a rate limiter and starts its cleanup routine.
func NewMemoryRateLimiter(maxRequestsPerHour int, logger *slog.Logger) *MemoryRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	limiter := &MemoryRateLimiter{
		maxRequestsPerHour: maxRequestsPerHour,
		cleanupInterval:    5 * time.Minute,
		clients:            make(map[string]*clientRateLimit),
		logger:             logger,
		stopChan:           make(chan struct{}),
	}

	go limiter.cleanupLoop()

	return limiter
}

// IsAllowed reports whether the client is under its hourly budget.
func (rl *MemoryRateLimiter) IsAllowed(clientIP string, endpoint string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]
	if !exists {
		return true
	}

	client.requests = filterValidRequests(client.requests, now.Add(-time.Hour))

	if len(client.requests) >= rl.maxRequestsPerHour {
		rl.logger.Warn("Rate limit exceeded",
			"client_ip", clientIP,
			"endpoint", endpoint,
			"current_requests", len(client.requests),
			"limit", rl.maxRequestsPerHour)
		return false
	}

	return true
}

// RecordRequest records a completed request against the client's budget.
func (rl *MemoryRateLimiter) RecordRequest(clientIP string, endpoint string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]
	if !exists {
		client = &clientRateLimit{}
		rl.clients[clientIP] = client
	}

	client.requests = append(client.requests, requestRecord{timestamp: now, endpoint: endpoint})
	client.lastSeen = now
}

// cleanupLoop periodically drops expired records and stale clients.
func (rl *MemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.performCleanup()
		case <-rl.stopChan:
			return
		}
	}
}

func (rl *MemoryRateLimiter) performCleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	oneHourAgo := now.Add(-time.Hour)
	twoHoursAgo := now.Add(-2 * time.Hour)

	for clientIP, client := range rl.clients {
		client.requests = filterValidRequests(client.requests, oneHourAgo)

		if len(client.requests) == 0 && client.lastSeen.Before(twoHoursAgo) {
			delete(rl.clients, clientIP)
		}
	}
}

// filterValidRequests keeps only requests newer than the cutoff.
func filterValidRequests(requests []requestRecord, cutoff time.Time) []requestRecord {
	valid := requests[:0]
	for _, req := range requests {
		if req.timestamp.After(cutoff) {
			valid = append(valid, req)
		}
	}
	return valid
}

// Stop terminates the cleanup routine and clears all state.
func (rl *MemoryRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})

	rl.mutex.Lock()
	rl.clients = make(map[string]*clientRateLimit)
	rl.mutex.Unlock()
}
