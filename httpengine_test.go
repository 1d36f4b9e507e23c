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
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockRoundTripper lets a test observe and answer every outbound request
// without touching the network, mirroring the teacher's requester test
// double.
type mockRoundTripper struct {
	fn func(*http.Request) (*http.Response, error)
}

func (m mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func newMockResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestEngine(t *testing.T, fn func(*http.Request) (*http.Response, error), opts ...HTTPEngineOption) *HTTPEngine {
	t.Helper()
	all := append([]HTTPEngineOption{
		WithHTTPClient(&http.Client{Transport: mockRoundTripper{fn: fn}}),
	}, opts...)
	return NewHTTPEngine("test-token", NewDefaultLogger(nil, LogLevelErrorLevel), all...)
}

func TestHTTPEngine_Request_Success(t *testing.T) {
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Authorization"); got != "Bot test-token" {
			t.Fatalf("unexpected Authorization header: %q", got)
		}
		return newMockResponse(http.StatusOK, `{"ok":true}`, map[string]string{
			headerLimit: "5", headerRemaining: "4", headerResetAfter: "1", headerBucket: "b1",
		}), nil
	})

	resp, err := e.Request(context.Background(), NewRoute("GET", "/users/@me"), RequestOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHTTPEngine_Request_RateLimitedThenSucceeds(t *testing.T) {
	var attempts int32
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return newMockResponse(http.StatusTooManyRequests, `{"retry_after":0.05}`, map[string]string{
				headerRetryAfter: "0.05",
			}), nil
		}
		return newMockResponse(http.StatusOK, `{}`, map[string]string{
			headerLimit: "5", headerRemaining: "4", headerResetAfter: "1", headerBucket: "b1",
		}), nil
	})

	resp, err := e.Request(context.Background(), NewRoute("POST", "/channels/1/messages"), RequestOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestHTTPEngine_Request_GlobalRateLimitFreezesFutureRequests(t *testing.T) {
	var attempts int32
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return newMockResponse(http.StatusTooManyRequests, `{}`, map[string]string{
				headerRetryAfter: "0.06",
				headerGlobal:     "true",
				headerScope:      "global",
			}), nil
		}
		return newMockResponse(http.StatusOK, `{}`, nil), nil
	})

	start := time.Now()
	resp, err := e.Request(context.Background(), NewRoute("GET", "/users/@me"), RequestOptions{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected the global freeze to delay completion, got %v", elapsed)
	}
}

func TestHTTPEngine_Request_RetriesOn5xxThenFails(t *testing.T) {
	var attempts int32
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return newMockResponse(http.StatusBadGateway, `oops`, nil), nil
	}, WithMaxRetries(3))

	_, err := e.Request(context.Background(), NewRoute("GET", "/users/@me"), RequestOptions{})
	if err == nil {
		t.Fatal("expected an error after exhausting 5xx retries")
	}
	var ise *InternalServerError
	if !asInternalServerError(err, &ise) {
		t.Fatalf("expected *InternalServerError, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly maxRetries attempts, got %d", attempts)
	}
}

func asInternalServerError(err error, target **InternalServerError) bool {
	if ise, ok := err.(*InternalServerError); ok {
		*target = ise
		return true
	}
	return false
}

func TestHTTPEngine_Request_ClassifiesNotFound(t *testing.T) {
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		return newMockResponse(http.StatusNotFound, `{}`, nil), nil
	})

	_, err := e.Request(context.Background(), NewRoute("GET", "/channels/1"), RequestOptions{})
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("expected *NotFoundError, got %T: %v", err, err)
	}
}

func TestHTTPEngine_Request_NetworkErrorRetriesThenFails(t *testing.T) {
	var attempts int32
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, io.ErrUnexpectedEOF
	}, WithMaxRetries(2))

	_, err := e.Request(context.Background(), NewRoute("GET", "/users/@me"), RequestOptions{})
	if err == nil {
		t.Fatal("expected an error after exhausting network retries")
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly maxRetries attempts, got %d", attempts)
	}
}

func TestHTTPEngine_Request_UnauthenticatedSkipsAuthorizationHeader(t *testing.T) {
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Authorization"); got != "" {
			t.Fatalf("expected no Authorization header, got %q", got)
		}
		return newMockResponse(http.StatusOK, `{"url":"wss://gateway.discord.gg"}`, nil), nil
	})

	unauth := false
	resp, err := e.Request(context.Background(), NewRoute("GET", "/gateway"), RequestOptions{AuthenticateWithToken: &unauth})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
}

func TestHTTPEngine_Request_FilesBuildMultipartBody(t *testing.T) {
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		ct := req.Header.Get("Content-Type")
		if !strings.HasPrefix(ct, "multipart/form-data") {
			t.Fatalf("expected multipart content type, got %q", ct)
		}
		body, _ := io.ReadAll(req.Body)
		if !strings.Contains(string(body), "payload_json") || !strings.Contains(string(body), "hello.txt") {
			t.Fatalf("expected multipart body to contain payload_json and filename, got %q", body)
		}
		return newMockResponse(http.StatusOK, `{}`, nil), nil
	})

	resp, err := e.Request(context.Background(), NewRoute("POST", "/channels/1/messages"), RequestOptions{
		Body: []byte(`{"content":"hi"}`),
		Files: []AttachmentFile{
			{Name: "hello.txt", Data: []byte("hello world")},
		},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
}

func TestHTTPEngine_Request_CloudflareBanDetected(t *testing.T) {
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		return newMockResponse(http.StatusTooManyRequests, `<html>blocked</html>`, map[string]string{
			"cf-mitigated": "challenge",
		}), nil
	})

	_, err := e.Request(context.Background(), NewRoute("GET", "/users/@me"), RequestOptions{})
	if _, ok := err.(*CloudflareBanError); !ok {
		t.Fatalf("expected *CloudflareBanError, got %T: %v", err, err)
	}
}

func TestHTTPEngine_Request_ConcurrentRequestsDoNotRace(t *testing.T) {
	e := newTestEngine(t, func(req *http.Request) (*http.Response, error) {
		return newMockResponse(http.StatusOK, `{}`, map[string]string{
			headerLimit: "50", headerRemaining: "49", headerResetAfter: "1", headerBucket: "shared",
		}), nil
	})

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			resp, err := e.Request(context.Background(), NewRoute("GET", "/users/@me"), RequestOptions{})
			if err == nil {
				resp.Body.Close()
			}
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent request %d: %v", i, err)
		}
	}
}
