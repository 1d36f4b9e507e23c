/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package nextcore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	apiVersion          = "v10"
	baseAPIURL          = "https://discord.com/api/" + apiVersion
	defaultMaxRetries   = 5
	defaultMaxRLRetries = 10
)

// defaultRateLimitKey is the RateLimitKey used when the caller does not set
// one explicitly; one BucketRateLimiter (and its RateLimitStorage) is
// created per distinct key, so a bot juggling multiple webhook tokens can
// keep their buckets independent by passing distinct keys.
const defaultRateLimitKey = "default"

// RequestOptions configures a single HTTPEngine.Request call.
type RequestOptions struct {
	// RateLimitKey selects which BucketRateLimiter/RateLimitStorage this
	// request is admitted through. Defaults to the bot token's own bucket
	// space when empty.
	RateLimitKey string
	// Priority: lower value is admitted first among bucket-queue ties.
	Priority int
	Headers  http.Header
	Query    url.Values
	Body     []byte
	Files    []AttachmentFile
	// Reason populates the X-Audit-Log-Reason header.
	Reason string
	// AuthenticateWithToken controls whether Authorization: Bot <token> is
	// attached. Defaults to true; set false for unauthenticated endpoints.
	AuthenticateWithToken *bool
}

func (o RequestOptions) authenticate() bool {
	if o.AuthenticateWithToken == nil {
		return true
	}
	return *o.AuthenticateWithToken
}

// HTTPEngine builds and sends REST requests through the global and
// per-route bucket limiters, classifies responses into typed errors, and
// retries transient failures. One HTTPEngine is shared by every caller of
// a Client.
type HTTPEngine struct {
	client    *http.Client
	token     string
	userAgent string
	logger    Logger

	globalLimiter GlobalRateLimiter
	bucketLimiters *Collection[string, *BucketRateLimiter]

	maxRetries          int
	maxRateLimitRetries int

	pool   WorkerPool
	events *Dispatcher[string, any]
}

// HTTPEngineOption configures an HTTPEngine at construction time.
type HTTPEngineOption func(*HTTPEngine)

// WithHTTPClient overrides the underlying *http.Client (e.g. for custom
// transports, proxies, or test doubles).
func WithHTTPClient(client *http.Client) HTTPEngineOption {
	return func(e *HTTPEngine) { e.client = client }
}

// WithMaxRetries overrides the maximum number of attempts made for a request
// that keeps failing with a network error or a 5xx status. When the last
// attempt gets a 5xx an InternalServerError is returned; when it fails with a
// network error, that error is returned wrapped.
func WithMaxRetries(n int) HTTPEngineOption {
	return func(e *HTTPEngine) { e.maxRetries = n }
}

// WithGlobalRateLimit installs a LimitedGlobalRateLimiter admitting n
// requests per second process-wide.
func WithGlobalRateLimit(n int) HTTPEngineOption {
	return func(e *HTTPEngine) { e.globalLimiter = NewLimitedGlobalRateLimiter(n) }
}

// WithUnlimitedGlobalRateLimit installs an UnlimitedGlobalRateLimiter, for
// bots whose global rate limit has been lifted by Discord.
func WithUnlimitedGlobalRateLimit() HTTPEngineOption {
	return func(e *HTTPEngine) { e.globalLimiter = NewUnlimitedGlobalRateLimiter() }
}

// WithEngineWorkerPool overrides the WorkerPool backing the engine's
// request_response Dispatcher. Without this option NewHTTPEngine spins up
// its own DefaultWorkerPool; Client threads its own pool through here so
// every Dispatcher it owns shares one pool.
func WithEngineWorkerPool(pool WorkerPool) HTTPEngineOption {
	return func(e *HTTPEngine) { e.pool = pool }
}

// NewHTTPEngine creates an HTTPEngine authenticated with token (without the
// "Bot " prefix).
func NewHTTPEngine(token string, logger Logger, opts ...HTTPEngineOption) *HTTPEngine {
	e := &HTTPEngine{
		token:               "Bot " + token,
		userAgent:           fmt.Sprintf("DiscordBot (%s, %s)", LIB_REPO, LIB_VERSION),
		logger:              logger,
		globalLimiter:       NewLimitedGlobalRateLimiter(50),
		bucketLimiters:      NewCollection[string, *BucketRateLimiter](),
		maxRetries:          defaultMaxRetries,
		maxRateLimitRetries: defaultMaxRLRetries,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.events = NewDispatcher[string, any](logger, e.pool)

	if e.client == nil {
		e.client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				DisableKeepAlives: false,
				ForceAttemptHTTP2: true,
			},
		}
	}

	return e
}

// Events exposes the engine's request_response dispatcher for callers that
// want to observe every completed attempt (metrics, audit logging).
func (e *HTTPEngine) Events() *Dispatcher[string, any] { return e.events }

func (e *HTTPEngine) bucketLimiterFor(key string) *BucketRateLimiter {
	if key == "" {
		key = defaultRateLimitKey
	}
	if bl, ok := e.bucketLimiters.Get(key); ok {
		return bl
	}
	// Racing creators both build a limiter; the loser's is discarded. This
	// only costs an allocation on the very first request for a given key.
	bl, _ := e.bucketLimiters.GetOrSet(key, NewBucketRateLimiter(e.logger))
	return bl
}

// Shutdown closes idle connections held by the underlying HTTP client.
func (e *HTTPEngine) Shutdown() {
	if e.client == nil {
		return
	}
	if tr, ok := e.client.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}

// requestResponseEvent is the payload fired on the "request_response"
// dispatch key after every completed attempt (success, typed failure, or
// exhausted retries).
type requestResponseEvent struct {
	Route   Route
	Status  int
	Attempt int
	Err     error
}

// Request sends one logical REST call through the global and bucket
// limiters, retrying transient failures, and returns the first response
// whose status does not require a retry. The caller owns resp.Body and
// must close it.
func (e *HTTPEngine) Request(ctx context.Context, route Route, opts RequestOptions) (*http.Response, error) {
	bucketLimiter := e.bucketLimiterFor(opts.RateLimitKey)
	rlRetries := 0

	for attempt := 1; ; attempt++ {
		if err := e.globalLimiter.Acquire(ctx); err != nil {
			return nil, err
		}

		session, err := bucketLimiter.Acquire(ctx, route.BucketKey(), opts.Priority)
		if err != nil {
			return nil, err
		}

		resp, err := e.send(ctx, route, opts)
		if err != nil {
			bucketLimiter.Refund(session)
			if attempt >= e.maxRetries {
				e.events.Dispatch("request_response", requestResponseEvent{Route: route, Attempt: attempt, Err: err})
				return nil, fmt.Errorf("nextcore: request %s %s failed after %d attempts: %w", route.Method, route.Path, attempt, err)
			}
			e.logger.WithField("route", route.Path).WithField("attempt", attempt).Warn("nextcore: network error, retrying")
			if !sleepBackoff(ctx, attempt) {
				return nil, ctx.Err()
			}
			continue
		}

		scope := resp.Header.Get(headerScope)
		bucketLimiter.Update(session, resp.Header, scope)
		e.events.Dispatch("request_response", requestResponseEvent{Route: route, Status: resp.StatusCode, Attempt: attempt})

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if isCloudflareBan(resp) {
				return nil, &CloudflareBanError{}
			}

			if scope == "global" || resp.Header.Get(headerGlobal) == "true" {
				e.globalLimiter.OnGlobal429(retryAfter)
			}

			rlRetries++
			if rlRetries > e.maxRateLimitRetries {
				return nil, &RateLimitingFailedError{Route: route, LastResponse: resp}
			}

			e.logger.WithField("route", route.Path).WithField("retry_after", retryAfter).Debug("nextcore: 429, retrying")
			if !sleepFor(ctx, retryAfter) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt >= e.maxRetries {
				return nil, &InternalServerError{Code: resp.StatusCode}
			}
			if !sleepBackoff(ctx, attempt) {
				return nil, ctx.Err()
			}
			continue
		}

		if typedErr := classifyStatus(resp); typedErr != nil {
			return resp, typedErr
		}

		return resp, nil
	}
}

func classifyStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &BadRequestError{Body: body}
	case http.StatusUnauthorized:
		resp.Body.Close()
		return &UnauthorizedError{}
	case http.StatusForbidden:
		resp.Body.Close()
		return &ForbiddenError{}
	case http.StatusNotFound:
		resp.Body.Close()
		return &NotFoundError{}
	default:
		return nil
	}
}

// isCloudflareBan detects the Cloudflare-level block distinct from a normal
// Discord 429: a cf-mitigated challenge header, or an HTML body where JSON
// was expected.
func isCloudflareBan(resp *http.Response) bool {
	if resp.Header.Get("cf-mitigated") == "challenge" {
		return true
	}
	ct := resp.Header.Get("Content-Type")
	return ct != "" && !bytes.Contains([]byte(ct), []byte("json")) && bytes.Contains([]byte(ct), []byte("html"))
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get(headerRetryAfter)
	if v == "" {
		return time.Second
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Second
	}
	whole, frac := math.Modf(secs)
	return time.Duration(whole)*time.Second + time.Duration(frac*1000)*time.Millisecond
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := time.Duration(attempt) * 500 * time.Millisecond
	if backoff > 10*time.Second {
		backoff = 10 * time.Second
	}
	return sleepFor(ctx, backoff)
}

// send builds the wire request (JSON or multipart/form-data with a
// payload_json field when opts.Files is nonempty) and executes it once,
// with no retry or rate-limit handling of its own.
func (e *HTTPEngine) send(ctx context.Context, route Route, opts RequestOptions) (*http.Response, error) {
	fullURL := baseAPIURL + route.Path
	if len(opts.Query) > 0 {
		fullURL += "?" + opts.Query.Encode()
	}

	var bodyReader io.Reader
	contentType := "application/json"

	if len(opts.Files) > 0 {
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)

		if len(opts.Body) > 0 {
			if err := w.WriteField("payload_json", string(opts.Body)); err != nil {
				return nil, err
			}
		}
		for i, f := range opts.Files {
			fw, err := w.CreateFormFile(fmt.Sprintf("files[%d]", i), f.Name)
			if err != nil {
				return nil, err
			}
			if _, err := fw.Write(f.Data); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		bodyReader = buf
		contentType = w.FormDataContentType()
	} else if len(opts.Body) > 0 {
		bodyReader = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, fullURL, bodyReader)
	if err != nil {
		return nil, err
	}

	if opts.authenticate() {
		req.Header.Set("Authorization", e.token)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if opts.Reason != "" {
		req.Header.Set(headerReason, opts.Reason)
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return e.client.Do(req)
}
