package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// =============================================================================
// Generators for property-based testing
// =============================================================================

// keyGenerator generates limiter keys such as collection names or user IDs
func keyGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z0-9_]{8,32}`)
}

// =============================================================================
// Property: Requests within limit succeed
// =============================================================================

func testRateLimiter_RequestsWithinLimit(t *rapid.T) {
	config := Config{
		RPS:             100.0,
		Burst:           200,
		CleanupInterval: time.Hour,
	}

	rl := NewRateLimiter(config)
	defer rl.Stop()

	key := keyGenerator().Draw(t, "key")
	numRequests := rapid.IntRange(1, 50).Draw(t, "numRequests")

	for i := 0; i < numRequests; i++ {
		if !rl.Allow(key) {
			t.Fatalf("Request %d of %d should have been allowed (within burst of %d)", i+1, numRequests, config.Burst)
		}
	}
}

func TestRateLimiter_RequestsWithinLimit(t *testing.T) {
	rapid.Check(t, testRateLimiter_RequestsWithinLimit)
}

func FuzzRateLimiter_RequestsWithinLimit(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_RequestsWithinLimit))
}

// =============================================================================
// Property: Requests exceeding limit return false (blocked)
// =============================================================================

func testRateLimiter_ExceedingLimitBlocked(t *rapid.T) {
	burst := rapid.IntRange(1, 20).Draw(t, "burst")
	rl := NewRateLimiter(Config{RPS: 0.001, Burst: burst, CleanupInterval: time.Hour})
	defer rl.Stop()

	key := keyGenerator().Draw(t, "key")
	for i := 0; i < burst; i++ {
		rl.Allow(key)
	}

	if rl.Allow(key) {
		t.Fatalf("Request beyond burst limit of %d should have been blocked", burst)
	}
}

func TestRateLimiter_ExceedingLimitBlocked(t *testing.T) {
	rapid.Check(t, testRateLimiter_ExceedingLimitBlocked)
}

func FuzzRateLimiter_ExceedingLimitBlocked(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_ExceedingLimitBlocked))
}

// =============================================================================
// Property: Different keys have independent limits
// =============================================================================

func testRateLimiter_KeyIndependence(t *rapid.T) {
	config := Config{RPS: 0.001, Burst: 5, CleanupInterval: time.Hour}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	key1 := keyGenerator().Draw(t, "key1")
	key2 := keyGenerator().Filter(func(s string) bool {
		return s != key1
	}).Draw(t, "key2")

	for i := 0; i < config.Burst; i++ {
		rl.Allow(key1)
	}
	if rl.Allow(key1) {
		t.Fatal("key1 should be blocked after exhausting burst")
	}
	if !rl.Allow(key2) {
		t.Fatal("key2 should still be allowed - limits should be independent per key")
	}
}

func TestRateLimiter_KeyIndependence(t *testing.T) {
	rapid.Check(t, testRateLimiter_KeyIndependence)
}

func FuzzRateLimiter_KeyIndependence(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_KeyIndependence))
}

// =============================================================================
// Property: Idle limiters get cleaned up after CleanupInterval
// =============================================================================

func testRateLimiter_IdleLimiterCleanup(t *rapid.T) {
	cleanupInterval := 10 * time.Millisecond
	rl := NewRateLimiter(Config{RPS: 100, Burst: 200, CleanupInterval: cleanupInterval})
	defer rl.Stop()

	numKeys := rapid.IntRange(2, 10).Draw(t, "numKeys")
	for i := 0; i < numKeys; i++ {
		rl.Allow(keyGenerator().Draw(t, "key"))
	}
	if rl.Len() == 0 {
		t.Fatal("Expected some limiters to be created")
	}

	time.Sleep(cleanupInterval + 5*time.Millisecond)
	rl.Cleanup()

	if n := rl.Len(); n != 0 {
		t.Fatalf("Expected all idle limiters to be cleaned up, got %d remaining", n)
	}
}

func TestRateLimiter_IdleLimiterCleanup(t *testing.T) {
	rapid.Check(t, testRateLimiter_IdleLimiterCleanup)
}

func FuzzRateLimiter_IdleLimiterCleanup(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testRateLimiter_IdleLimiterCleanup))
}

// =============================================================================
// Property: Limiter is thread-safe (concurrent access)
// =============================================================================

func testRateLimiter_ConcurrentAccess(t *rapid.T) {
	rl := NewRateLimiter(Config{RPS: 1000, Burst: 2000, CleanupInterval: time.Hour})
	defer rl.Stop()

	numKeys := rapid.IntRange(5, 20).Draw(t, "numKeys")
	numGoroutines := rapid.IntRange(5, 20).Draw(t, "numGoroutines")
	requestsPerGoroutine := rapid.IntRange(10, 50).Draw(t, "requestsPerGoroutine")

	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = keyGenerator().Draw(t, "key")
	}

	var wg sync.WaitGroup
	var successCount atomic.Int64
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for r := 0; r < requestsPerGoroutine; r++ {
				if rl.Allow(keys[(goroutineID+r)%numKeys]) {
					successCount.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()

	total := int64(numGoroutines * requestsPerGoroutine)
	if successCount.Load() != total {
		t.Fatalf("Expected all %d requests to succeed under a large burst, got %d", total, successCount.Load())
	}
	if rl.Len() > numKeys {
		t.Fatalf("Created %d limiters for %d keys", rl.Len(), numKeys)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rapid.Check(t, testRateLimiter_ConcurrentAccess)
}

// =============================================================================
// Wait and middleware
// =============================================================================

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 0.001, Burst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	if err := rl.Wait(context.Background(), "notes"); err != nil {
		t.Fatalf("first wait should use the burst token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, "notes"); err == nil {
		t.Fatal("second wait should fail once the deadline cannot be met")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(Config{RPS: 0.001, Burst: 2, CleanupInterval: time.Hour})
	defer rl.Stop()

	handler := RateLimitMiddleware(rl, func(r *http.Request) string {
		return r.Header.Get("X-User-Id")
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/notebooks", nil)
		if user != "" {
			req.Header.Set("X-User-Id", user)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("u1"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := do("u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec := do(""); rec.Code != http.StatusNoContent {
		t.Fatalf("anonymous requests pass through, got %d", rec.Code)
	}
}
