package server

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()

	for i := 0; i < int(regBurstLimit); i++ {
		if !rl.allow("apikey-a") {
			t.Fatalf("expected allow on burst iteration %d", i)
		}
	}
	if rl.allow("apikey-a") {
		t.Fatal("expected rate limit after burst exhaustion")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()

	for i := 0; i < int(regBurstLimit); i++ {
		rl.allow("apikey-a")
	}
	if rl.allow("apikey-a") {
		t.Fatal("expected apikey-a to be rate-limited")
	}

	// A different key still has its full burst available.
	if !rl.allow("apikey-b") {
		t.Fatal("expected apikey-b to be allowed independently")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()

	for i := 0; i < int(regBurstLimit); i++ {
		rl.allow("apikey-c")
	}
	if rl.allow("apikey-c") {
		t.Fatal("expected rate limit")
	}

	// Simulate passage of time by aging the bucket directly.
	s := rl.shard("apikey-c")
	s.mu.Lock()
	b := s.buckets["apikey-c"]
	b.lastCheck = b.lastCheck.Add(-1 * time.Second)
	s.mu.Unlock()

	// After 1 second at regRateLimit/s, at least 1 token is available.
	if !rl.allow("apikey-c") {
		t.Fatal("expected allow after time passage")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()
	rl.allow("stale-key")

	s := rl.shard("stale-key")
	s.mu.Lock()
	s.buckets["stale-key"].lastCheck = time.Now().Add(-(regCleanupAge + time.Minute))
	s.mu.Unlock()

	rl.cleanup()

	s.mu.Lock()
	_, exists := s.buckets["stale-key"]
	s.mu.Unlock()
	if exists {
		t.Fatal("expected stale bucket to be cleaned up")
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()
	const goroutines = 32
	const keysPerGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			for k := 0; k < keysPerGoroutine; k++ {
				rl.allow(fmt.Sprintf("apikey-%d-%d", g, k))
			}
		}()
	}
	wg.Wait()
}

func BenchmarkRateLimiterAllowSingleKey(b *testing.B) {
	rl := newRateLimiter()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.allow("bench-key")
	}
}

func BenchmarkRateLimiterAllowParallel(b *testing.B) {
	rl := newRateLimiter()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.allow(fmt.Sprintf("apikey-%d", i%100))
			i++
		}
	})
}
