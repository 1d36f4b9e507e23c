/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package nextcore

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

func headersOf(pairs ...string) http.Header {
	h := make(http.Header)
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestBucketRateLimiter_UnknownRouteAdmitsOneThenBlocks(t *testing.T) {
	l := NewBucketRateLimiter(NewDefaultLogger(nil, LogLevelErrorLevel))

	s1, err := l.Acquire(context.Background(), "GET:/a", 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err = l.Acquire(ctx, "GET:/a", 0)
	cancel()
	if err == nil {
		t.Fatal("expected a second acquire on an unknown (limit=1) route to block")
	}

	l.Refund(s1)
}

func TestBucketRateLimiter_DiscoveryThenBurst(t *testing.T) {
	l := NewBucketRateLimiter(NewDefaultLogger(nil, LogLevelErrorLevel))

	s1, err := l.Acquire(context.Background(), "GET:/a", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Update(s1, headersOf(
		headerBucket, "bucket-a",
		headerLimit, "5",
		headerRemaining, "4",
		headerResetAfter, "5",
	), "")

	// The bucket was discovered with remaining=4; exactly 4 more admissions
	// should succeed without Update/Refund replenishing it further.
	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := l.Acquire(ctx, "GET:/a", 0)
		cancel()
		if err != nil {
			t.Fatalf("burst acquire %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err = l.Acquire(ctx, "GET:/a", 0)
	cancel()
	if err == nil {
		t.Fatal("expected the bucket to be exhausted after limit admissions")
	}

	meta, ok := l.Snapshot("GET:/a")
	if !ok || meta.ID != "bucket-a" || meta.Limit != 5 {
		t.Fatalf("unexpected snapshot: %+v ok=%v", meta, ok)
	}
}

func TestBucketRateLimiter_PriorityPreemption(t *testing.T) {
	l := NewBucketRateLimiter(NewDefaultLogger(nil, LogLevelErrorLevel))

	s0, err := l.Acquire(context.Background(), "GET:/a", 0)
	if err != nil {
		t.Fatalf("seed acquire: %v", err)
	}
	l.Update(s0, headersOf(
		headerBucket, "bucket-a",
		headerLimit, "1",
		headerRemaining, "0",
		headerResetAfter, "0.1",
	), "")

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Two low-priority waiters queue first, then one high-priority waiter
	// (numerically smaller value) queues after them; it must still be
	// admitted before the low-priority waiters once the bucket refills.
	for _, p := range []int{10, 10} {
		wg.Add(1)
		go func(priority int) {
			defer wg.Done()
			s, err := l.Acquire(context.Background(), "GET:/a", priority)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, priority)
			mu.Unlock()
			l.Refund(s)
		}(p)
	}

	time.Sleep(20 * time.Millisecond) // let both low-priority waiters enqueue

	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := l.Acquire(context.Background(), "GET:/a", 0)
		if err != nil {
			return
		}
		mu.Lock()
		order = append(order, 0)
		mu.Unlock()
		l.Refund(s)
	}()

	wg.Wait()

	if len(order) == 0 || order[0] != 0 {
		t.Fatalf("expected the priority-0 waiter admitted first, got order %v", order)
	}
}

func TestBucketRateLimiter_MergesOnSharedBucketID(t *testing.T) {
	l := NewBucketRateLimiter(NewDefaultLogger(nil, LogLevelErrorLevel))

	sa, err := l.Acquire(context.Background(), "GET:/a", 0)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	l.Update(sa, headersOf(headerBucket, "shared", headerLimit, "1", headerRemaining, "0", headerResetAfter, "1"), "")

	sb, err := l.Acquire(context.Background(), "GET:/b", 0)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	l.Update(sb, headersOf(headerBucket, "shared", headerLimit, "1", headerRemaining, "0", headerResetAfter, "1"), "")

	metaA, okA := l.Snapshot("GET:/a")
	metaB, okB := l.Snapshot("GET:/b")
	if !okA || !okB || metaA.ID != metaB.ID {
		t.Fatalf("expected both route keys to resolve to the same bucket id, got %+v and %+v", metaA, metaB)
	}
	if len(metaA.MergedRoutes) != 2 || len(metaB.MergedRoutes) != 2 {
		t.Fatalf("expected both snapshots to report both merged route keys, got %+v and %+v", metaA.MergedRoutes, metaB.MergedRoutes)
	}
}

func TestBucketRateLimiter_UnlimitedOnMissingBucketHeader(t *testing.T) {
	l := NewBucketRateLimiter(NewDefaultLogger(nil, LogLevelErrorLevel))

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		s, err := l.Acquire(ctx, "GET:/unlimited", 0)
		cancel()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		l.Update(s, http.Header{}, "")
	}
}

func TestBucketRateLimiter_SharedScopeDoesNotMutateBucket(t *testing.T) {
	l := NewBucketRateLimiter(NewDefaultLogger(nil, LogLevelErrorLevel))

	s1, err := l.Acquire(context.Background(), "GET:/a", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Update(s1, headersOf(
		headerBucket, "bucket-a",
		headerLimit, "5",
		headerRemaining, "4",
		headerResetAfter, "5",
	), "")

	before, ok := l.Snapshot("GET:/a")
	if !ok {
		t.Fatal("expected a discovered bucket before the shared-scope response")
	}

	// A 429 against an unrelated shared resource (e.g. the per-emoji limit)
	// carries X-RateLimit-* headers describing that resource, not this
	// route's bucket. Update must leave bucket-a untouched.
	s2, err := l.Acquire(context.Background(), "GET:/a", 0)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	l.Update(s2, headersOf(
		headerBucket, "emoji-bucket",
		headerLimit, "1",
		headerRemaining, "0",
		headerResetAfter, "60",
	), rateLimitScopeShared)

	after, ok := l.Snapshot("GET:/a")
	if !ok {
		t.Fatal("expected bucket-a to still be discovered")
	}
	if after.ID != before.ID || after.Limit != before.Limit {
		t.Fatalf("shared-scope Update corrupted route bucket: before=%+v after=%+v", before, after)
	}
}
