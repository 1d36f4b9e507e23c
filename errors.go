/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package nextcore

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by the admission primitives.
var (
	// ErrClosed is returned by TimesPerWindow.Acquire once the gate has been closed.
	ErrClosed = errors.New("nextcore: gate closed")

	// ErrNoClient is returned when a component is used before its owning
	// Client has finished construction.
	ErrNoClient = errors.New("nextcore: no client reference")
)

/***********************
 *  Rate limit errors  *
 ***********************/

// RateLimitingFailedError is raised by HTTPEngine when a route keeps
// returning 429 past MaxRateLimitRetries.
type RateLimitingFailedError struct {
	Route        Route
	LastResponse *http.Response
}

func (e *RateLimitingFailedError) Error() string {
	return fmt.Sprintf("nextcore: rate limiting failed for %s %s after repeated 429s", e.Route.Method, e.Route.Path)
}

// CloudflareBanError is raised when the engine detects a Cloudflare-level
// block (cf-mitigated: challenge, or an HTML body where JSON was expected
// following a burst of 429s). Unrecoverable from the rate limiter's view.
type CloudflareBanError struct{}

func (e *CloudflareBanError) Error() string {
	return "nextcore: request blocked by Cloudflare, backing off"
}

/*******************************
 *  HTTP status classification *
 *******************************/

// HTTPRequestStatusError is implemented by every typed HTTP failure raised
// by HTTPEngine after classifying a non-2xx response.
type HTTPRequestStatusError interface {
	error
	StatusCode() int
}

// BadRequestError is raised for HTTP 400, carrying the response body so the
// caller can inspect Discord's per-field validation errors.
type BadRequestError struct {
	Body []byte
}

func (e *BadRequestError) Error() string    { return "nextcore: bad request: " + string(e.Body) }
func (e *BadRequestError) StatusCode() int  { return http.StatusBadRequest }

// UnauthorizedError is raised for HTTP 401: the token is missing or invalid.
type UnauthorizedError struct{}

func (e *UnauthorizedError) Error() string   { return "nextcore: unauthorized (invalid token)" }
func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }

// ForbiddenError is raised for HTTP 403: the token lacks permission.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string   { return "nextcore: forbidden" }
func (e *ForbiddenError) StatusCode() int { return http.StatusForbidden }

// NotFoundError is raised for HTTP 404.
type NotFoundError struct{}

func (e *NotFoundError) Error() string   { return "nextcore: resource not found" }
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// InternalServerError is raised for a 5xx response that persisted past the
// engine's retry budget.
type InternalServerError struct {
	Code int
}

func (e *InternalServerError) Error() string {
	return fmt.Sprintf("nextcore: server error %d after retries exhausted", e.Code)
}
func (e *InternalServerError) StatusCode() int { return e.Code }

var (
	_ HTTPRequestStatusError = (*BadRequestError)(nil)
	_ HTTPRequestStatusError = (*UnauthorizedError)(nil)
	_ HTTPRequestStatusError = (*ForbiddenError)(nil)
	_ HTTPRequestStatusError = (*NotFoundError)(nil)
	_ HTTPRequestStatusError = (*InternalServerError)(nil)
)

/***************************
 *  Fatal gateway errors   *
 ***************************/

// InvalidTokenError corresponds to gateway close code 4004: the account
// token sent with Identify was rejected.
type InvalidTokenError struct{}

func (e *InvalidTokenError) Error() string { return "nextcore: gateway rejected token" }

// InvalidShardCountError corresponds to gateway close code 4010 or 4011:
// the shard id/count combination or guild count requires more shards.
type InvalidShardCountError struct{}

func (e *InvalidShardCountError) Error() string {
	return "nextcore: invalid shard count (sharding required or out of range)"
}

// InvalidAPIVersionError corresponds to gateway close code 4012.
type InvalidAPIVersionError struct{}

func (e *InvalidAPIVersionError) Error() string { return "nextcore: invalid gateway API version" }

// InvalidIntentsError corresponds to gateway close code 4013: the intents
// bitmask was malformed.
type InvalidIntentsError struct{}

func (e *InvalidIntentsError) Error() string { return "nextcore: invalid gateway intents" }

// DisallowedIntentsError corresponds to gateway close code 4014: a
// privileged intent was requested without approval.
type DisallowedIntentsError struct{}

func (e *DisallowedIntentsError) Error() string { return "nextcore: disallowed gateway intents" }

// UnhandledCloseCodeError is raised when the gateway closes with a code the
// session does not recognize as either fatal or resumable.
type UnhandledCloseCodeError struct {
	Code int
}

func (e *UnhandledCloseCodeError) Error() string {
	return fmt.Sprintf("nextcore: unhandled gateway close code %d", e.Code)
}

// DisconnectError is surfaced for observability on every non-fatal close;
// it never halts the shard by itself.
type DisconnectError struct {
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("nextcore: gateway disconnected (code=%d reason=%s)", e.Code, e.Reason)
}

// ReconnectCheckFailedError is raised when a caller-installed reconnect
// predicate refuses a reconnect attempt, halting the shard instead of
// retrying indefinitely.
type ReconnectCheckFailedError struct{}

func (e *ReconnectCheckFailedError) Error() string {
	return "nextcore: reconnect refused by reconnect check"
}
