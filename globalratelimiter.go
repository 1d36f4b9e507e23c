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
	"time"
)

// GlobalRateLimiter gates every outbound HTTP request regardless of route,
// on top of the per-route BucketRateLimiter. Two implementations exist:
// Limited (the default, one TimesPerWindow shared process-wide) and
// Unlimited (for bots whose global limit has been lifted, which pay no
// scheduling cost at all).
type GlobalRateLimiter interface {
	// Acquire blocks until a global request slot is available.
	Acquire(ctx context.Context) error
	// OnGlobal429 freezes all future acquisitions for retryAfter; callers
	// already holding a slot are not interrupted.
	OnGlobal429(retryAfter time.Duration)
}

/***************************
 *  Limited (default)     *
 ***************************/

// LimitedGlobalRateLimiter admits at most n requests per second, and
// freezes entirely for the duration given by a global 429.
type LimitedGlobalRateLimiter struct {
	gate *TimesPerWindow

	mu       sync.Mutex
	frozenAt time.Time
}

var _ GlobalRateLimiter = (*LimitedGlobalRateLimiter)(nil)

// NewLimitedGlobalRateLimiter creates a GlobalRateLimiter admitting n
// requests per second. n defaults to 50 (Discord's documented default
// global limit) when n <= 0.
func NewLimitedGlobalRateLimiter(n int) *LimitedGlobalRateLimiter {
	if n <= 0 {
		n = 50
	}
	return &LimitedGlobalRateLimiter{gate: NewTimesPerWindow(n, time.Second)}
}

func (g *LimitedGlobalRateLimiter) Acquire(ctx context.Context) error {
	g.mu.Lock()
	frozenUntil := g.frozenAt
	g.mu.Unlock()

	if wait := time.Until(frozenUntil); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return g.gate.Acquire(ctx)
}

func (g *LimitedGlobalRateLimiter) OnGlobal429(retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := time.Now().Add(retryAfter)
	if until.After(g.frozenAt) {
		g.frozenAt = until
	}
}

/***************************
 *  Unlimited              *
 ***************************/

// UnlimitedGlobalRateLimiter admits every request immediately. It still
// honors OnGlobal429 (Discord can still impose a temporary freeze even on
// an elevated-limit bot), via a dedicated freeze gate rather than a
// TimesPerWindow.
type UnlimitedGlobalRateLimiter struct {
	mu       sync.Mutex
	frozenAt time.Time
}

var _ GlobalRateLimiter = (*UnlimitedGlobalRateLimiter)(nil)

// NewUnlimitedGlobalRateLimiter creates a GlobalRateLimiter that never
// schedules requests on its own.
func NewUnlimitedGlobalRateLimiter() *UnlimitedGlobalRateLimiter {
	return &UnlimitedGlobalRateLimiter{}
}

func (g *UnlimitedGlobalRateLimiter) Acquire(ctx context.Context) error {
	g.mu.Lock()
	frozenUntil := g.frozenAt
	g.mu.Unlock()

	if wait := time.Until(frozenUntil); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *UnlimitedGlobalRateLimiter) OnGlobal429(retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := time.Now().Add(retryAfter)
	if until.After(g.frozenAt) {
		g.frozenAt = until
	}
}
