package monitor

import (
	"context"
	"net/netip"
	"time"
)

// Resolver turns a hostname into the full set of replica addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string, ipv4Only bool) ([]netip.Addr, error)
}

// Fetcher retrieves a URL from one specific replica. Transport failures are
// reported inside FetchResult; the error return is reserved for failures that
// should abort the whole cycle.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, replica netip.Addr) (FetchResult, error)
}

// Extractor recovers the absolute JavaScript URLs an HTML page will load.
type Extractor interface {
	Extract(baseURL, html string) ([]string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
