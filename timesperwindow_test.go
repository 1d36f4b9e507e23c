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
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimesPerWindow_AdmitsUpToLimitImmediately(t *testing.T) {
	gate := NewTimesPerWindow(3, time.Hour)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := gate.Acquire(ctx); err != nil {
			cancel()
			t.Fatalf("acquire %d: %v", i, err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := gate.Acquire(ctx); err == nil {
		t.Fatal("expected the 4th acquire within the window to block until ctx deadline")
	}
}

func TestTimesPerWindow_ReleasesAfterWindow(t *testing.T) {
	gate := NewTimesPerWindow(1, 50*time.Millisecond)

	ctx := context.Background()
	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if err := gate.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected second acquire to wait roughly the window, got %v", elapsed)
	}
}

func TestTimesPerWindow_CancelDuringWaitDoesNotConsumeSlot(t *testing.T) {
	gate := NewTimesPerWindow(1, time.Hour)

	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := gate.Acquire(ctx)
	cancel()
	if err == nil {
		t.Fatal("expected the second acquire to fail while the gate is saturated")
	}

	gate.mu.Lock()
	waiting := len(gate.waiters)
	gate.mu.Unlock()
	if waiting != 0 {
		t.Fatalf("expected cancelled waiter to be removed from the waiter list, got %d remaining", waiting)
	}
}

func TestTimesPerWindow_Close(t *testing.T) {
	gate := NewTimesPerWindow(1, time.Hour)
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var wg sync.WaitGroup
	var blockedErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		blockedErr = gate.Acquire(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	gate.Close()
	wg.Wait()

	if blockedErr != ErrClosed {
		t.Fatalf("expected ErrClosed for a waiter unblocked by Close, got %v", blockedErr)
	}
	if err := gate.Acquire(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed on a closed gate, got %v", err)
	}
}

func TestTimesPerWindow_ResetCancelsStaleTimers(t *testing.T) {
	gate := NewTimesPerWindow(2, 30*time.Millisecond)

	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	gate.Reset()

	gate.mu.Lock()
	inUse, timers := gate.inUse, len(gate.timers)
	gate.mu.Unlock()
	if inUse != 0 || timers != 0 {
		t.Fatalf("expected Reset to zero inUse and cancel every outstanding timer, got inUse=%d timers=%d", inUse, timers)
	}

	// Give both original release timers time to fire, in case Reset failed
	// to cancel them. A leaked timer's release() still runs and decrements
	// inUse, which would drive it negative here since no new acquisitions
	// happened after Reset.
	time.Sleep(50 * time.Millisecond)

	gate.mu.Lock()
	inUse = gate.inUse
	gate.mu.Unlock()
	if inUse != 0 {
		t.Fatalf("expected inUse to remain 0 after stale timers would have fired, got %d", inUse)
	}
}

func TestTimesPerWindow_ConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	const limit = 5
	gate := NewTimesPerWindow(limit, 30*time.Millisecond)

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := gate.Acquire(ctx); err != nil {
				return
			}
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	if maxSeen > limit {
		t.Fatalf("observed %d concurrent holders, limit was %d", maxSeen, limit)
	}
}
