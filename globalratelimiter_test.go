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
	"testing"
	"time"
)

func TestLimitedGlobalRateLimiter_AdmitsUpToNPerSecond(t *testing.T) {
	g := NewLimitedGlobalRateLimiter(3)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := g.Acquire(ctx)
		cancel()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); err == nil {
		t.Fatal("expected the 4th acquire within the second to block until ctx deadline")
	}
}

func TestLimitedGlobalRateLimiter_DefaultsTo50(t *testing.T) {
	g := NewLimitedGlobalRateLimiter(0)
	if g.gate.limit != 50 {
		t.Fatalf("expected default limit of 50, got %d", g.gate.limit)
	}
}

func TestLimitedGlobalRateLimiter_OnGlobal429FreezesAcquire(t *testing.T) {
	g := NewLimitedGlobalRateLimiter(50)
	g.OnGlobal429(80 * time.Millisecond)

	start := time.Now()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("expected acquire to wait out the freeze, got %v", elapsed)
	}
}

func TestLimitedGlobalRateLimiter_FreezeRespectsCtxCancellation(t *testing.T) {
	g := NewLimitedGlobalRateLimiter(50)
	g.OnGlobal429(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); err == nil {
		t.Fatal("expected acquire to fail while frozen past the context deadline")
	}
}

func TestLimitedGlobalRateLimiter_LaterFreezeNeverShortensEarlierOne(t *testing.T) {
	g := NewLimitedGlobalRateLimiter(50)
	g.OnGlobal429(200 * time.Millisecond)
	g.OnGlobal429(10 * time.Millisecond)

	start := time.Now()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected the longer freeze to still apply, got %v", elapsed)
	}
}

func TestUnlimitedGlobalRateLimiter_AdmitsImmediately(t *testing.T) {
	g := NewUnlimitedGlobalRateLimiter()

	start := time.Now()
	for i := 0; i < 200; i++ {
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected unlimited acquires to be near-instant, took %v", elapsed)
	}
}

func TestUnlimitedGlobalRateLimiter_OnGlobal429StillFreezes(t *testing.T) {
	g := NewUnlimitedGlobalRateLimiter()
	g.OnGlobal429(80 * time.Millisecond)

	start := time.Now()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("expected acquire to wait out the freeze, got %v", elapsed)
	}
}

func TestUnlimitedGlobalRateLimiter_FreezeRespectsCtxCancellation(t *testing.T) {
	g := NewUnlimitedGlobalRateLimiter()
	g.OnGlobal429(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); err == nil {
		t.Fatal("expected acquire to fail while frozen past the context deadline")
	}
}
