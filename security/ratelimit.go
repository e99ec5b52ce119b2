package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxLimiterEntries bounds the number of identifiers a RateLimiter tracks.
const DefaultMaxLimiterEntries = 10000

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token bucket limiting with LRU eviction
// to prevent unbounded memory growth. The auditor uses it to throttle
// repeated events for one token family.
type RateLimiter struct {
	limiters   map[string]*list.Element // identifier -> list element
	lruList    *list.List               // LRU list of *rateLimiterEntry
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	totalEvictions int64
}

// NewRateLimiter creates a limiter allowing limit events per second with the
// given burst for every identifier. maxEntries <= 0 uses DefaultMaxLimiterEntries.
func NewRateLimiter(limit rate.Limit, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxLimiterEntries
	}

	return &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lruList:    list.New(),
		limit:      limit,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

// Allow reports whether one more event for identifier fits in its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

// Cleanup removes limiters that have been idle for longer than maxIdleTime
// and returns how many were removed.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0

	// The list is ordered by recency, so the idle entries sit at the back.
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	return removed
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
