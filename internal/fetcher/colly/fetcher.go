// Package collyfetcher implements monitor.Fetcher with gocolly, pinning every
// request to one replica address while keeping the original Host and SNI.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxAttempts = 3
	defaultMaxBody     = 32 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	// MaxBodyBytes caps every response body. A longer body is reported with
	// monitor.ErrCodeBodyTooLarge instead of being hashed.
	MaxBodyBytes int
	// InsecureSkipVerify disables certificate checks, for replicas that only
	// serve a certificate for the public name behind a balancer.
	InsecureSkipVerify bool
}

// Waiter paces attempts per replica.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Fetcher implements monitor.Fetcher using one Colly collector per attempt.
type Fetcher struct {
	cfg     Config
	retry   *TimeoutRetryPolicy
	limiter Waiter
	logger  *zap.Logger

	mu         sync.Mutex
	transports map[netip.Addr]*http.Transport
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		retry:      NewTimeoutRetryPolicy(cfg.MaxAttempts, cfg.Backoff),
		limiter:    limiter,
		logger:     logger.Named("fetcher"),
		transports: make(map[netip.Addr]*http.Transport),
	}
}

// Fetch GETs rawURL from replica. Timeouts are retried; when every attempt
// fails at the transport level the result carries a synthetic ErrCode. The
// error return is reserved for cancellation and malformed input.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, replica netip.Addr) (monitor.FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return monitor.FetchResult{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return monitor.FetchResult{}, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, rawURL)
	}
	if !replica.IsValid() {
		return monitor.FetchResult{}, errors.New("invalid replica address")
	}

	start := time.Now()
	var lastErr error
	attempt := 0
	for {
		attempt++
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, replica.String()); err != nil {
				return monitor.FetchResult{}, err
			}
		}
		res, err := f.attempt(ctx, rawURL, replica)
		if err == nil {
			res.Attempts = attempt
			res.Duration = time.Since(start)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return monitor.FetchResult{}, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}
		lastErr = err
		if !f.retry.ShouldRetry(err, attempt) {
			break
		}
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.String("replica", replica.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := sleep(ctx, f.retry.Backoff(attempt)); err != nil {
			return monitor.FetchResult{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}

	code := "error " + ErrorCode(lastErr)
	f.logger.Debug("fetch failed",
		zap.String("url", rawURL),
		zap.String("replica", replica.String()),
		zap.String("errcode", code),
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)
	return monitor.FetchResult{
		URL:      rawURL,
		Replica:  replica.String(),
		ErrCode:  code,
		Attempts: attempt,
		Duration: time.Since(start),
	}, nil
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, replica netip.Addr) (monitor.FetchResult, error) {
	actx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var (
		result   monitor.FetchResult
		fetchErr error
	)
	collector := f.buildCollector(actx, replica)
	f.configureCollectorHooks(collector, replica, &result, &fetchErr)
	if err := f.runCollector(actx, collector, rawURL, &fetchErr); err != nil {
		return monitor.FetchResult{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, replica netip.Addr) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
		colly.StdlibContext(ctx),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.WithTransport(f.transportFor(replica))
	c.SetRequestTimeout(f.cfg.Timeout)
	c.DisableCookies()
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})
	return c
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	replica netip.Addr,
	result *monitor.FetchResult,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = monitor.FetchResult{
			URL:        r.Request.URL.String(),
			Replica:    replica.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
		}
		if truncated(headers, r.Body, f.cfg.MaxBodyBytes) {
			f.logger.Warn("response body exceeds max body bytes",
				zap.String("url", result.URL),
				zap.String("replica", result.Replica),
				zap.Int("max_body_bytes", f.cfg.MaxBodyBytes),
			)
			result.ErrCode = monitor.ErrCodeBodyTooLarge
			result.Body = nil
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// transportFor returns the pooled transport whose dialer always connects to
// replica, whatever host the request names.
func (f *Fetcher) transportFor(replica netip.Addr) *http.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[replica]; ok {
		return t
	}
	dialer := &net.Dialer{Timeout: f.cfg.Timeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("split dial address %q: %w", addr, err)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(replica.String(), port))
		},
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: f.cfg.InsecureSkipVerify}, //nolint:gosec // opt-in
		TLSHandshakeTimeout:   f.cfg.Timeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	f.transports[replica] = t
	return t
}

// truncated reports whether colly cut body off at limit. A body of exactly
// limit bytes without a Content-Length is treated as truncated.
func truncated(headers http.Header, body []byte, limit int) bool {
	if limit <= 0 || len(body) < limit {
		return false
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n > int64(len(body))
		}
	}
	return true
}

// Close releases idle connections of every pinned transport.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
