package collyfetcher

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math"
	"math/big"
	"net"
	"syscall"
	"time"
)

const maxBackoff = 5 * time.Second

// TimeoutRetryPolicy retries timed-out attempts only, with optional jittered
// exponential backoff.
type TimeoutRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewTimeoutRetryPolicy builds a policy allowing maxAttempts attempts in total.
// A zero baseDelay retries immediately.
func NewTimeoutRetryPolicy(maxAttempts int, baseDelay time.Duration) *TimeoutRetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &TimeoutRetryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// ShouldRetry reports whether another attempt should follow a failed attempt.
func (p *TimeoutRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return isTimeout(err)
}

// Backoff returns the wait before attempt+1.
func (p *TimeoutRetryPolicy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay/2))
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ErrorCode maps a transport failure to a short errno-style code.
func ErrorCode(err error) string {
	var (
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		recordErr  tls.RecordHeaderError
		dnsErr     *net.DNSError
	)
	switch {
	case err == nil:
		return "EUNKNOWN"
	case isTimeout(err):
		return "ETIMEDOUT"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "ECONNRESET"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "EHOSTUNREACH"
	case errors.Is(err, syscall.ENETUNREACH):
		return "ENETUNREACH"
	case errors.As(err, &certErr), errors.As(err, &unknownCA), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr):
		return "ETLS"
	case errors.As(err, &dnsErr):
		return "ENOTFOUND"
	default:
		return "EFETCH"
	}
}
