package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	bucket := newTokenBucket(10, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("burst tokens should be available immediately")
	}
	if bucket.Allow() {
		t.Fatal("bucket should be empty after the burst")
	}
	time.Sleep(150 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill at 10 tokens/s")
	}
}

func TestRateLimiterGlobalDisabledByDefault(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatal("requests must pass when no global rate is set")
		}
	}
}

func TestRateLimiterConversionPerIP(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{
		ConversionLimit: 2,
		ConversionWin:   time.Minute,
	})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowConversion("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowConversion("10.0.0.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("third conversion from the same address should be throttled")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter = %v", retryAfter)
	}

	// A different address still has its own budget.
	if allowed, _, _ := rl.AllowConversion("10.0.0.2"); !allowed {
		t.Fatal("distinct addresses must not share a bucket")
	}
}

func TestRateLimiterConversionDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if allowed, _, _ := rl.AllowConversion("10.0.0.1"); !allowed {
			t.Fatal("conversions must pass when no limit is configured")
		}
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{
		ConversionLimit: 5,
		ConversionWin:   10 * time.Millisecond,
	})
	if allowed, _, _ := rl.AllowConversion("10.0.0.1"); !allowed {
		t.Fatal("first conversion should pass")
	}
	time.Sleep(50 * time.Millisecond)
	if allowed, _, _ := rl.AllowConversion("10.0.0.2"); !allowed {
		t.Fatal("second address should pass")
	}
	rl.convertMu.Lock()
	_, stale := rl.convertByIP["10.0.0.1"]
	rl.convertMu.Unlock()
	if stale {
		t.Fatal("idle bucket should have been evicted")
	}
}

func TestClientIPFromRequest(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr with port", "203.0.113.7:4711", "", "203.0.113.7"},
		{"forwarded header wins", "10.0.0.1:80", "198.51.100.9, 10.0.0.1", "198.51.100.9"},
		{"forwarded with spaces", "10.0.0.1:80", "  198.51.100.9  ", "198.51.100.9"},
		{"bare remote addr", "203.0.113.7", "", "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIPFromRequest(req); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
