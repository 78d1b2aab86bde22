package router

import (
	"sync"
	"time"
)

// DefaultMessagesPerMinute applies when the configured limit is not positive
const DefaultMessagesPerMinute = 100

// RateLimiter implements per-user rate limiting
// ARCHITECTURAL DISCOVERY: Per-user state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*ClientLimit
	limit   int
	now     func() time.Time
}

// ClientLimit tracks rate limiting for a single user
// FUNCTIONAL DISCOVERY: Fixed one-minute window; a class joining at once stays
// far below the limit while a stuck retry loop hits it quickly
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing perMinute messages per user
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMessagesPerMinute
	}
	return &RateLimiter{
		clients: make(map[string]*ClientLimit),
		limit:   perMinute,
		now:     time.Now,
	}
}

// Allow reports whether userID may send another message in the current window
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[userID]
	if !exists {
		rl.clients[userID] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= time.Minute {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Cleanup removes users idle for more than five windows
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*time.Minute {
			delete(rl.clients, userID)
			removed++
		}
	}
	return removed
}
