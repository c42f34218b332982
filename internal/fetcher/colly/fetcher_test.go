package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
)

// pinnedURL rewrites the server URL to a hostname that does not resolve, so a
// successful fetch proves the dial went to the replica address.
func pinnedURL(t *testing.T, srv *httptest.Server, path string) (string, netip.Addr) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	u.Host = net.JoinHostPort("replica.invalid", port)
	u.Path = path
	return u.String(), netip.MustParseAddr(host)
}

func TestFetchPinsReplicaAndKeepsHost(t *testing.T) {
	t.Parallel()

	var gotHost atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log(1)"))
	}))
	defer srv.Close()

	rawURL, replica := pinnedURL(t, srv, "/static/js/main.abcd.chunk.js")
	f := New(Config{Timeout: time.Second, UserAgent: "chunkwatch-test"}, nil, zap.NewNop())
	defer f.Close()

	res, err := f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "console.log(1)", string(res.Body))
	require.Equal(t, "application/javascript", res.Headers.Get("Content-Type"))
	require.Equal(t, replica.String(), res.Replica)
	require.Equal(t, 1, res.Attempts)
	require.False(t, res.Failed())

	u, _ := url.Parse(rawURL)
	require.Equal(t, u.Host, gotHost.Load())
}

func TestFetchReportsErrorStatusesAndRedirects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, nil, nil)

	rawURL, replica := pinnedURL(t, srv, "/missing.js")
	res, err := f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	rawURL, replica = pinnedURL(t, srv, "/moved")
	res, err = f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, res.StatusCode)
	require.Equal(t, "/elsewhere", res.Headers.Get("Location"))
}

func slowServer(t *testing.T, slowFor int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= slowFor {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchRetriesTimeouts(t *testing.T) {
	t.Parallel()

	srv, calls := slowServer(t, 2)
	rawURL, replica := pinnedURL(t, srv, "/")
	f := New(Config{Timeout: 100 * time.Millisecond, MaxAttempts: 3}, nil, nil)

	res, err := f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, 3, res.Attempts)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchExhaustedTimeoutsYieldSyntheticResult(t *testing.T) {
	t.Parallel()

	srv, calls := slowServer(t, 100)
	rawURL, replica := pinnedURL(t, srv, "/")
	f := New(Config{Timeout: 100 * time.Millisecond, MaxAttempts: 3}, nil, nil)

	res, err := f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.True(t, res.Failed())
	require.Equal(t, "error ETIMEDOUT", res.ErrCode)
	require.Zero(t, res.StatusCode)
	require.Equal(t, 3, res.Attempts)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchConnectionRefusedIsNotRetried(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	f := New(Config{Timeout: time.Second}, nil, nil)
	res, err := f.Fetch(context.Background(), "http://replica.invalid:"+port+"/", netip.MustParseAddr("127.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, "error ECONNREFUSED", res.ErrCode)
	require.Equal(t, 1, res.Attempts)
}

func TestFetchRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	replica := netip.MustParseAddr("127.0.0.1")

	_, err := f.Fetch(context.Background(), "ftp://example.com/a.js", replica)
	require.ErrorContains(t, err, "unsupported scheme")

	_, err = f.Fetch(context.Background(), "http://example.com/", netip.Addr{})
	require.Error(t, err)
}

func TestFetchCanceledContextIsAnError(t *testing.T) {
	t.Parallel()

	srv, _ := slowServer(t, 100)
	rawURL, replica := pinnedURL(t, srv, "/")
	f := New(Config{Timeout: 5 * time.Second}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, rawURL, replica)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func TestFetchWaitsOnLimiterPerAttempt(t *testing.T) {
	t.Parallel()

	srv, _ := slowServer(t, 1)
	rawURL, replica := pinnedURL(t, srv, "/")
	waiter := &countingWaiter{}
	f := New(Config{Timeout: 100 * time.Millisecond}, waiter, nil)

	_, err := f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.EqualValues(t, 2, waiter.calls.Load())
}

func TestFetchReportsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		if r.URL.Path == "/small.js" {
			_, _ = w.Write([]byte("ok()"))
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, MaxBodyBytes: 16}, nil, zap.NewNop())
	defer f.Close()

	rawURL, replica := pinnedURL(t, srv, "/big.js")
	res, err := f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.Equal(t, monitor.ErrCodeBodyTooLarge, res.ErrCode)
	require.Nil(t, res.Body)
	require.True(t, res.Failed())

	rawURL, replica = pinnedURL(t, srv, "/small.js")
	res, err = f.Fetch(context.Background(), rawURL, replica)
	require.NoError(t, err)
	require.Empty(t, res.ErrCode)
	require.Equal(t, "ok()", string(res.Body))
}

func TestTruncated(t *testing.T) {
	t.Parallel()

	withLength := func(n string) http.Header {
		h := http.Header{}
		h.Set("Content-Length", n)
		return h
	}
	body := []byte("0123456789")
	require.False(t, truncated(http.Header{}, body[:5], 10))
	require.False(t, truncated(withLength("10"), body, 10))
	require.True(t, truncated(withLength("4096"), body, 10))
	require.True(t, truncated(http.Header{}, body, 10))
	require.False(t, truncated(http.Header{}, body, 0))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	hooks := &stubHooks{}
	replica := netip.MustParseAddr("10.0.0.1")

	var (
		res      monitor.FetchResult
		fetchErr error
	)
	f.configureCollectorHooks(hooks, replica, &res, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	u, err := url.Parse("https://example.com/a.js")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/javascript"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, "body", string(res.Body))
	require.Equal(t, "10.0.0.1", res.Replica)
	require.Equal(t, "text/javascript", res.Headers.Get("Content-Type"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
