package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig tunes the global bucket and the per-IP conversion throttle.
type RateLimitConfig struct {
	GlobalRPS       float64
	GlobalBurst     int
	ConversionLimit int
	ConversionWin   time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisTimeout    time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	convertLimit  int
	convertWindow time.Duration
	convertMu     sync.Mutex
	convertByIP   map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// tokenStore counts events per key within a window; it lets multiple server
// replicas share one throttle.
type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		convertLimit:  cfg.ConversionLimit,
		convertWindow: cfg.ConversionWin,
		convertByIP:   make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.convertWindow <= 0 {
		rl.convertWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.convertLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowConversion throttles conversion submissions per client address. The
// Redis store is used when configured so replicas share the count; otherwise
// a local token bucket per IP applies.
func (r *rateLimiter) AllowConversion(key string) (bool, time.Duration, error) {
	if r == nil || r.convertLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("kitsapi:convert:%s", key), r.convertLimit, r.convertWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.convertMu.Lock()
	limiter, exists := r.convertByIP[key]
	if !exists {
		rate := float64(r.convertLimit) / r.convertWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.convertWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.convertLimit)}
		r.convertByIP[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.convertMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.convertByIP) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.convertWindow)
	for key, limiter := range r.convertByIP {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.convertByIP, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
