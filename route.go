/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package nextcore

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Route identifies a single Discord REST endpoint call: an HTTP method and
// the path with all parameters already substituted (e.g.
// "/channels/123456789012345678/messages/234567890123456789"). Route itself
// is not the rate limit bucket; BucketKey derives the key used to look up
// (or create) a bucket in RateLimitStorage.
type Route struct {
	Method string
	Path   string
}

// NewRoute builds a Route from a method and a path whose parameters are
// already substituted; it does no formatting of its own.
func NewRoute(method, path string) Route {
	return Route{Method: method, Path: path}
}

var (
	reSnowflake     = regexp.MustCompile(`\d{17,19}`)
	reReactions     = regexp.MustCompile(`/reactions/.*`)
	reWebhooksToken = regexp.MustCompile(`/webhooks/(\d{17,19})/[^/?]+`)
)

const oldMessageCutoffMS = 14 * 24 * 60 * 60 * 1000 // 14 days in milliseconds

// BucketKey derives the route-key string used as the lookup key into
// RateLimitStorage's route table: (method, path template, top-level major
// parameter). Endpoints that share a template but differ in their major
// parameter (channel_id, guild_id, webhook_id) are kept independent since
// Discord rate-limits them independently; every other numeric id segment is
// collapsed to a ":id" placeholder so that, for example, two different
// message ids under the same channel land on the same key.
//
// Interaction callbacks and webhook-with-token routes are normalized
// further since Discord groups all of them under one bucket regardless of
// the specific interaction/webhook id. Old (more than 14 days) message
// deletes get a distinct suffix because Discord enforces a separate, much
// stricter bucket for them.
func (r Route) BucketKey() string {
	endpoint := r.Path
	method := r.Method

	if strings.HasPrefix(endpoint, "/interactions/") && strings.HasSuffix(endpoint, "/callback") {
		return method + ":/interactions/:id/:token/callback"
	}

	majorParam := reSnowflake.FindString(endpoint)

	if majorParam == "" {
		baseRoute := reSnowflake.ReplaceAllString(endpoint, ":id")
		baseRoute = reReactions.ReplaceAllString(baseRoute, "/reactions/:reaction")
		baseRoute = reWebhooksToken.ReplaceAllString(baseRoute, "/webhooks/:id/:token")
		return method + ":" + baseRoute
	}

	var b strings.Builder
	b.Grow(len(endpoint) + 20)

	start := 0
	firstFound := false
	for _, loc := range reSnowflake.FindAllStringIndex(endpoint, -1) {
		b.WriteString(endpoint[start:loc[0]])

		id := endpoint[loc[0]:loc[1]]
		if !firstFound && id == majorParam {
			b.WriteString(id)
			firstFound = true
		} else {
			b.WriteString(":id")
		}
		start = loc[1]
	}
	b.WriteString(endpoint[start:])

	baseRoute := b.String()
	baseRoute = reReactions.ReplaceAllString(baseRoute, "/reactions/:reaction")
	baseRoute = reWebhooksToken.ReplaceAllString(baseRoute, "/webhooks/:id/:token")

	if method == "DELETE" && strings.HasPrefix(endpoint, "/channels/") && strings.Contains(endpoint, "/messages/") {
		lastSlash := strings.LastIndex(endpoint, "/")
		if lastSlash != -1 && lastSlash < len(endpoint)-1 {
			messageIDStr := endpoint[lastSlash+1:]
			if messageID, err := strconv.ParseUint(messageIDStr, 10, 64); err == nil {
				snow := Snowflake(messageID)
				if time.Now().UnixMilli()-snow.Timestamp().UnixMilli() > oldMessageCutoffMS {
					baseRoute += "/oldmessage"
				}
			}
		}
	}

	return method + ":" + baseRoute
}

// AttachmentFile is a single file attached to a request. When Files is
// nonempty, HTTPEngine sends the request as multipart/form-data per
// Discord's payload_json contract instead of a raw JSON body.
type AttachmentFile struct {
	Name        string
	ContentType string
	Data        []byte
}
