package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter tracks per-key usage within a fixed window. It guards the
// login endpoint against credential brute force per device.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow returns true if the caller may proceed under the provided limit
// and window. limit <= 0 disables limiting.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}

// Prune drops expired windows; the server runs it on a timer so entries
// for devices that stopped logging in do not accumulate.
func (rl *RateLimiter) Prune() {
	now := time.Now()
	rl.mu.Lock()
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
		}
	}
	rl.mu.Unlock()
}
