package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
)

type fakeLookup struct {
	mu       sync.Mutex
	answers  map[string][]netip.Addr
	errs     map[string]error
	networks []string
}

func (f *fakeLookup) LookupNetIP(_ context.Context, network, _ string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks = append(f.networks, network)
	if err := f.errs[network]; err != nil {
		return nil, err
	}
	return f.answers[network], nil
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	return out
}

func notFound() error {
	return &net.DNSError{Err: "no such host", Name: "example.com", IsNotFound: true}
}

func TestResolveOrdersV4ThenV6(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{answers: map[string][]netip.Addr{
		"ip4": addrs("10.0.0.2", "10.0.0.1", "10.0.0.2"),
		"ip6": addrs("2001:db8::1"),
	}}
	got, err := New(lookup, zap.NewNop()).Resolve(context.Background(), "example.com", false)
	require.NoError(t, err)
	require.Equal(t, addrs("10.0.0.2", "10.0.0.1", "2001:db8::1"), got)
}

func TestResolveIPv4Only(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{answers: map[string][]netip.Addr{
		"ip4": addrs("10.0.0.1"),
		"ip6": addrs("2001:db8::1"),
	}}
	got, err := New(lookup, nil).Resolve(context.Background(), "example.com", true)
	require.NoError(t, err)
	require.Equal(t, addrs("10.0.0.1"), got)
	require.Equal(t, []string{"ip4"}, lookup.networks)
}

func TestResolveMissingFamilyContributesNothing(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{
		answers: map[string][]netip.Addr{"ip6": addrs("2001:db8::1")},
		errs:    map[string]error{"ip4": notFound()},
	}
	got, err := New(lookup, nil).Resolve(context.Background(), "example.com", false)
	require.NoError(t, err)
	require.Equal(t, addrs("2001:db8::1"), got)
}

func TestResolveEmptyFails(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{errs: map[string]error{"ip4": notFound(), "ip6": notFound()}}
	_, err := New(lookup, nil).Resolve(context.Background(), "example.com", false)
	require.ErrorIs(t, err, monitor.ErrNoAddresses)
}

func TestResolveOtherErrorsFail(t *testing.T) {
	t.Parallel()

	servfail := &net.DNSError{Err: "server misbehaving", Name: "example.com", IsTemporary: true}
	lookup := &fakeLookup{
		answers: map[string][]netip.Addr{"ip4": addrs("10.0.0.1")},
		errs:    map[string]error{"ip6": servfail},
	}
	_, err := New(lookup, nil).Resolve(context.Background(), "example.com", false)
	var dnsErr *net.DNSError
	require.True(t, errors.As(err, &dnsErr))
	require.True(t, dnsErr.IsTemporary)
}

func TestResolveIPLiteral(t *testing.T) {
	t.Parallel()

	r := New(&fakeLookup{}, nil)
	got, err := r.Resolve(context.Background(), "192.0.2.10", false)
	require.NoError(t, err)
	require.Equal(t, addrs("192.0.2.10"), got)

	got, err = r.Resolve(context.Background(), "::1", false)
	require.NoError(t, err)
	require.Equal(t, addrs("::1"), got)

	_, err = r.Resolve(context.Background(), "::1", true)
	require.ErrorIs(t, err, monitor.ErrNoAddresses)
}
