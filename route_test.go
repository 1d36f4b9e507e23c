/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package nextcore

import (
	"testing"
	"time"
)

// snowflakeAt builds a Snowflake string whose embedded timestamp is at t,
// for tests that depend on a message's age relative to now rather than a
// hardcoded id that drifts stale over time.
func snowflakeAt(t time.Time) string {
	ms := uint64(t.UnixMilli()-discordEpoch) << 22
	return Snowflake(ms).String()
}

func TestRoute_BucketKey(t *testing.T) {
	oldMessageID := snowflakeAt(time.Now().Add(-30 * 24 * time.Hour))
	newMessageID := snowflakeAt(time.Now().Add(-time.Hour))

	cases := []struct {
		name     string
		method   string
		endpoint string
		want     string
	}{
		{
			name:     "new message delete shares key with other channel messages",
			method:   "DELETE",
			endpoint: "/channels/123456789012345678/messages/" + newMessageID,
			want:     "DELETE:/channels/123456789012345678/messages/:id",
		},
		{
			name:     "old message delete gets a distinct bucket",
			method:   "DELETE",
			endpoint: "/channels/123456789012345678/messages/" + oldMessageID,
			want:     "DELETE:/channels/123456789012345678/messages/:id/oldmessage",
		},
		{
			name:     "interaction callback collapses id and token",
			method:   "POST",
			endpoint: "/interactions/987654321098765432/abcdef/callback",
			want:     "POST:/interactions/:id/:token/callback",
		},
		{
			name:     "webhook with token collapses id and token",
			method:   "POST",
			endpoint: "/webhooks/123456789012345678/abcdef1234567890",
			want:     "POST:/webhooks/:id/:token",
		},
		{
			name:     "reaction add collapses the reaction segment",
			method:   "PUT",
			endpoint: "/channels/123456789012345678/messages/234567890123456789/reactions/XXXXXXX/@me",
			want:     "PUT:/channels/123456789012345678/messages/:id/reactions/:reaction",
		},
		{
			name:     "route without ids passes through unchanged",
			method:   "GET",
			endpoint: "/gateway/bot",
			want:     "GET:/gateway/bot",
		},
		{
			name:     "route without ids with @me segment",
			method:   "GET",
			endpoint: "/users/@me",
			want:     "GET:/users/@me",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := NewRoute(c.method, c.endpoint).BucketKey()
			if got != c.want {
				t.Fatalf("BucketKey(%s %s) = %q, want %q", c.method, c.endpoint, got, c.want)
			}
		})
	}
}

func TestRoute_BucketKey_MajorParameterKeepsRoutesIndependent(t *testing.T) {
	a := NewRoute("GET", "/channels/111111111111111111/messages/222222222222222222").BucketKey()
	b := NewRoute("GET", "/channels/999999999999999999/messages/222222222222222222").BucketKey()
	if a == b {
		t.Fatalf("expected distinct channel ids to produce distinct bucket keys, got %q for both", a)
	}
}

func TestRoute_BucketKey_NonMajorIDCollapses(t *testing.T) {
	a := NewRoute("GET", "/channels/111111111111111111/messages/222222222222222222").BucketKey()
	b := NewRoute("GET", "/channels/111111111111111111/messages/333333333333333333").BucketKey()
	if a != b {
		t.Fatalf("expected two messages under the same channel to share a bucket key, got %q and %q", a, b)
	}
}
