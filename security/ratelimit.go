package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxLimiters = 10000

// limiterEntry pairs a token bucket with its identifier and last use.
type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a per-identifier token bucket, bounded by LRU
// eviction so an attacker rotating identifiers cannot grow the map
// without limit.
type RateLimiter struct {
	mu       sync.RWMutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	rps      int
	burst    int
	maxKeys  int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once

	evictions int64
	sweeps    int64
}

// NewRateLimiter creates a limiter tracking at most defaultMaxLimiters
// identifiers, sweeping idle entries in the background.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithCapacity(requestsPerSecond, burst, defaultMaxLimiters, logger)
}

// NewRateLimiterWithCapacity creates a limiter with an explicit identifier
// capacity. Zero capacity means unbounded.
func NewRateLimiterWithCapacity(requestsPerSecond, burst, maxKeys int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxKeys < 0 {
		maxKeys = defaultMaxLimiters
	}
	rl := &RateLimiter{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		rps:     requestsPerSecond,
		burst:   burst,
		maxKeys: maxKeys,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether the identifier may proceed, creating its bucket on
// first sight and evicting the least recently used bucket at capacity.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxKeys > 0 && len(rl.entries) >= rl.maxKeys {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// evictOldest drops the back of the LRU list. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.evictions++
	rl.logger.Debug("rate limiter eviction",
		"key", entry.key,
		"evictions", rl.evictions,
		"entries", len(rl.entries))
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep(30 * time.Minute)
		case <-rl.stop:
			return
		}
	}
}

// Sweep removes buckets idle longer than maxIdle.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.entries, entry.key)
			rl.lru.Remove(elem)
			removed++
		}
	}
	if removed > 0 {
		rl.sweeps++
		rl.logger.Debug("rate limiter sweep",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterStats reports limiter occupancy for monitoring.
type RateLimiterStats struct {
	Entries   int
	Capacity  int
	Evictions int64
	Sweeps    int64
}

// Stats returns a snapshot of limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return RateLimiterStats{
		Entries:   len(rl.entries),
		Capacity:  rl.maxKeys,
		Evictions: rl.evictions,
		Sweeps:    rl.sweeps,
	}
}
