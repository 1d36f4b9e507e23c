/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package nextcore

import (
	"container/heap"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Rate limit response headers, per Discord's documented contract.
const (
	headerRetryAfter = "Retry-After"
	headerGlobal     = "X-RateLimit-Global"
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerReset      = "X-RateLimit-Reset"
	headerBucket     = "X-RateLimit-Bucket"
	headerScope      = "X-RateLimit-Scope"
	headerReason     = "X-Audit-Log-Reason"
	headerDate       = "Date"
)

// rateLimitScopeShared is the X-RateLimit-Scope value Discord sends on a 429
// triggered by a sub-resource limit (e.g. the per-emoji or per-webhook
// limit) rather than the route's own bucket. The response still carries
// X-RateLimit-* headers, but they describe the shared resource, not this
// route's bucket, so Update must not let them overwrite it.
const rateLimitScopeShared = "shared"

// routeState tags which of the three representations a route key's Bucket
// currently holds. Modeled as an enum + mutable fields on Bucket rather than
// three separate structs because the admission logic (remaining/resetAt
// queue draining) is identical for Unknown and Discovered; only how those
// fields are seeded differs.
type routeState int

const (
	routeStateUnknown routeState = iota
	routeStateDiscovered
)

// BucketMetadata is a read-only snapshot of a discovered bucket's identity,
// returned by BucketRateLimiter.Snapshot for introspection/diagnostics.
type BucketMetadata struct {
	ID        string
	Limit     int
	Unlimited bool
	// MergedRoutes lists every route key Discord has grouped onto this same
	// bucket id, as tracked by the storage's bucketRouteIndex. Populated only
	// for a Discovered, non-unlimited bucket.
	MergedRoutes []string
}

// requestSessionEntry is one pending admission request inside a Bucket's
// priority queue. index is maintained by container/heap and doubles as the
// "has this entry been popped already" marker (-1 once removed/admitted).
type requestSessionEntry struct {
	priority int
	seq      uint64
	ready    chan struct{}
	index    int
}

type requestHeap []*requestSessionEntry

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *requestHeap) Push(x any) {
	e := x.(*requestSessionEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Bucket is the live token-leaking admission object backing one route key
// (Unknown state, effectively a mutex with limit 1) or one server-assigned
// bucket id shared by every route key merged onto it (Discovered state).
type Bucket struct {
	mu sync.Mutex

	state     routeState
	id        string // server bucket id, set once Discovered
	unlimited bool

	limit     int
	remaining float64
	resetAt   time.Time

	queue    requestHeap
	seqCount uint64
}

func newBucket() *Bucket {
	return &Bucket{
		state:     routeStateUnknown,
		limit:     1,
		remaining: 1,
	}
}

// scheduleLocked pops and admits every waiter it can, given the current
// remaining/resetAt state. Must be called with b.mu held.
func (b *Bucket) scheduleLocked() {
	if b.unlimited {
		for b.queue.Len() > 0 {
			e := heap.Pop(&b.queue).(*requestSessionEntry)
			close(e.ready)
		}
		return
	}

	now := time.Now()
	// Optimistic local replenish: once the server-reported reset instant has
	// passed, assume the bucket is full again until the next response
	// header tells us otherwise. This is what lets a Discovered bucket make
	// forward progress without waiting on an explicit Update call for every
	// refill.
	if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
		b.remaining = float64(b.limit)
		b.resetAt = time.Time{}
	}

	for b.queue.Len() > 0 && b.remaining >= 1 {
		e := heap.Pop(&b.queue).(*requestSessionEntry)
		b.remaining--
		close(e.ready)
	}
}

// RequestSession is the handle returned by a successful Acquire. It must be
// passed to Update (or Refund) exactly once after the corresponding HTTP
// attempt completes (or fails to reach Discord at all).
type RequestSession struct {
	routeKey string
	bucket   *Bucket
}

// RateLimitStorage is the per-authentication-token container described by
// the data model: a high-contention route-key -> Bucket table (backed by
// the corpus's 256-way ShardMap) and a much smaller bucket-id -> canonical
// Bucket table used to merge route keys that Discord groups under the same
// server-side bucket (backed by Collection, and indexed for introspection
// by bucketRouteIndex).
type RateLimitStorage struct {
	routes      *ShardMap[string, *Bucket]
	bucketsByID *Collection[string, *Bucket]
	routeIndex  *bucketRouteIndex
}

// NewRateLimitStorage creates an empty RateLimitStorage.
func NewRateLimitStorage() *RateLimitStorage {
	return &RateLimitStorage{
		routes:      NewStringShardMap[*Bucket](),
		bucketsByID: NewCollection[string, *Bucket](),
		routeIndex:  newBucketRouteIndex(),
	}
}

func (s *RateLimitStorage) resolveBucket(routeKey string) *Bucket {
	if b, ok := s.routes.Get(routeKey); ok {
		return b
	}
	b, _ := s.routes.GetOrSet(routeKey, newBucket())
	return b
}

// BucketRateLimiter is the per-(route, auth) admission engine (C3). One
// instance backs one RateLimitStorage, typically one per distinct
// RateLimitKey a caller configures (bot token by default, but distinct
// tokens/webhooks get independent storage).
type BucketRateLimiter struct {
	logger  Logger
	storage *RateLimitStorage
}

// NewBucketRateLimiter creates a BucketRateLimiter over a fresh
// RateLimitStorage.
func NewBucketRateLimiter(logger Logger) *BucketRateLimiter {
	return &BucketRateLimiter{logger: logger, storage: NewRateLimitStorage()}
}

// Acquire suspends the caller until routeKey admits one more request at the
// given priority (lower value runs first among ties broken FIFO), or ctx is
// done. On success the returned RequestSession must later be passed to
// Update (normal completion) or Refund (request never reached Discord).
func (l *BucketRateLimiter) Acquire(ctx context.Context, routeKey string, priority int) (*RequestSession, error) {
	bucket := l.storage.resolveBucket(routeKey)

	bucket.mu.Lock()
	if bucket.unlimited {
		bucket.mu.Unlock()
		return &RequestSession{routeKey: routeKey, bucket: bucket}, nil
	}

	seq := bucket.seqCount
	bucket.seqCount++
	entry := &requestSessionEntry{priority: priority, seq: seq}
	entry.ready = make(chan struct{})
	heap.Push(&bucket.queue, entry)
	bucket.scheduleLocked()
	bucket.mu.Unlock()

	select {
	case <-entry.ready:
		return &RequestSession{routeKey: routeKey, bucket: bucket}, nil
	case <-ctx.Done():
		bucket.mu.Lock()
		if entry.index >= 0 {
			heap.Remove(&bucket.queue, entry.index)
			bucket.mu.Unlock()
			return nil, ctx.Err()
		}
		bucket.mu.Unlock()
		// Already admitted in a race with cancellation: per design, a
		// session cancelled after admission still spends its token, so we
		// hand the caller the session rather than silently dropping it.
		return &RequestSession{routeKey: routeKey, bucket: bucket}, nil
	}
}

// Update applies the rate limit headers of a completed HTTP response to the
// session's bucket: discovers the bucket id on first contact (merging onto
// an existing canonical Bucket if another route key already claimed that
// id), refreshes remaining/reset, and wakes the next admissible waiter.
//
// scope is the response's X-RateLimit-Scope header. When it is "shared",
// the headers describe a sub-resource limit rather than this route's own
// bucket and Update does nothing: mutating the bucket from them would
// corrupt its real remaining/resetAt with unrelated numbers.
func (l *BucketRateLimiter) Update(session *RequestSession, headers http.Header, scope string) {
	if scope == rateLimitScopeShared {
		return
	}

	bucket := session.bucket

	bucketID := headers.Get(headerBucket)
	if bucketID == "" {
		bucket.mu.Lock()
		bucket.unlimited = true
		bucket.scheduleLocked()
		bucket.mu.Unlock()
		return
	}

	limit := parseIntHeader(headers.Get(headerLimit), bucket.limit)
	remaining := parseFloatHeader(headers.Get(headerRemaining), 0)
	resetAt := computeResetAt(headers)

	bucket.mu.Lock()
	wasUnknown := bucket.state == routeStateUnknown
	bucket.state = routeStateDiscovered
	bucket.id = bucketID
	bucket.limit = limit
	bucket.remaining = remaining
	bucket.resetAt = resetAt
	bucket.scheduleLocked()
	bucket.mu.Unlock()

	// A queue can still hold waiters past resetAt with nothing left to
	// trigger a re-evaluation (no further Acquire/Update/Refund call ever
	// arrives for this bucket). Schedule one to fire exactly at reset so
	// those waiters are not left admitting only on the next unrelated event.
	if wait := time.Until(resetAt); wait > 0 {
		time.AfterFunc(wait, func() {
			bucket.mu.Lock()
			bucket.scheduleLocked()
			bucket.mu.Unlock()
		})
	}

	l.storage.routeIndex.Add(bucketID, session.routeKey)

	if !wasUnknown {
		return
	}

	canonical, existed := l.storage.bucketsByID.Get(bucketID)
	if !existed {
		l.storage.bucketsByID.Set(bucketID, bucket)
		return
	}
	if canonical == bucket {
		return
	}

	// Another route key already discovered this bucket id first: merge this
	// placeholder's pending waiters onto the canonical bucket and repoint
	// the route table so future Acquire calls for this route key land
	// directly on the canonical bucket.
	bucket.mu.Lock()
	pending := bucket.queue
	bucket.queue = nil
	bucket.mu.Unlock()

	canonical.mu.Lock()
	for _, e := range pending {
		heap.Push(&canonical.queue, e)
	}
	canonical.scheduleLocked()
	canonical.mu.Unlock()

	l.storage.routes.Set(session.routeKey, canonical)

	l.logger.WithField("bucket_id", bucketID).
		WithField("members", l.storage.routeIndex.Count(bucketID)).
		Debug("nextcore: route key merged onto shared bucket")
}

// Refund returns the session's consumed token without touching reset
// timing. Used when a request never reached Discord (network error before
// a response was received), since no quota was actually spent.
func (l *BucketRateLimiter) Refund(session *RequestSession) {
	bucket := session.bucket
	bucket.mu.Lock()
	if !bucket.unlimited && bucket.remaining < float64(bucket.limit) {
		bucket.remaining++
	}
	bucket.scheduleLocked()
	bucket.mu.Unlock()
}

// Snapshot returns the discovered metadata for a route key, if any.
func (l *BucketRateLimiter) Snapshot(routeKey string) (BucketMetadata, bool) {
	b, ok := l.storage.routes.Get(routeKey)
	if !ok {
		return BucketMetadata{}, false
	}

	b.mu.Lock()
	if b.unlimited {
		b.mu.Unlock()
		return BucketMetadata{Unlimited: true}, true
	}
	if b.state != routeStateDiscovered {
		b.mu.Unlock()
		return BucketMetadata{}, false
	}
	id, limit := b.id, b.limit
	b.mu.Unlock()

	meta := BucketMetadata{ID: id, Limit: limit}
	if members, found := l.storage.routeIndex.Members(id); found {
		meta.MergedRoutes = make([]string, 0, len(members))
		for routeKey := range members {
			meta.MergedRoutes = append(meta.MergedRoutes, routeKey)
		}
	}
	return meta, true
}

func parseIntHeader(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloatHeader(v string, fallback float64) float64 {
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

// computeResetAt resolves the bucket's next reset instant from response
// headers, preferring the relative X-RateLimit-Reset-After (added to local
// time) and falling back to the absolute X-RateLimit-Reset minus the
// response's own Date header, so that local wall-clock skew does not matter.
// When the Date header is missing or unparseable, the absolute reset instant
// is returned as is and is therefore compared against the local clock.
func computeResetAt(headers http.Header) time.Time {
	if resetAfter := headers.Get(headerResetAfter); resetAfter != "" {
		if secs, err := strconv.ParseFloat(resetAfter, 64); err == nil {
			return time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	}

	resetEpoch, err := strconv.ParseFloat(headers.Get(headerReset), 64)
	if err != nil {
		return time.Time{}
	}
	reset := time.Unix(0, int64(resetEpoch*float64(time.Second)))

	serverNow, err := http.ParseTime(headers.Get(headerDate))
	if err != nil {
		return reset
	}
	return time.Now().Add(reset.Sub(serverNow))
}
