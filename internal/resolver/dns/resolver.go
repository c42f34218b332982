// Package dns resolves a hostname to the full set of replica addresses behind it.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
)

// Lookuper is the subset of *net.Resolver used here.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Resolver implements monitor.Resolver on top of the system resolver.
type Resolver struct {
	lookup Lookuper
	logger *zap.Logger
}

// New builds a Resolver. A nil lookup uses net.DefaultResolver.
func New(lookup Lookuper, logger *zap.Logger) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{lookup: lookup, logger: logger.Named("resolver")}
}

// Resolve returns the A records of host followed by its AAAA records (A only
// when ipv4Only), without duplicates. A family with no records contributes
// nothing; an empty result is an error.
func (r *Resolver) Resolve(ctx context.Context, host string, ipv4Only bool) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if ipv4Only && !addr.Is4() {
			return nil, fmt.Errorf("%s: %w for ipv4-only check", host, monitor.ErrNoAddresses)
		}
		return []netip.Addr{addr}, nil
	}

	var v4, v6 []netip.Addr
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		v4, err = r.family(gctx, "ip4", host)
		return err
	})
	if !ipv4Only {
		g.Go(func() error {
			var err error
			v6, err = r.family(gctx, "ip6", host)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[netip.Addr]struct{}, len(v4)+len(v6))
	out := make([]netip.Addr, 0, len(v4)+len(v6))
	for _, addr := range append(v4, v6...) {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", host, monitor.ErrNoAddresses)
	}
	r.logger.Debug("resolved replicas", zap.String("host", host), zap.Int("v4", len(v4)), zap.Int("v6", len(v6)))
	return out, nil
}

func (r *Resolver) family(ctx context.Context, network, host string) ([]netip.Addr, error) {
	addrs, err := r.lookup.LookupNetIP(ctx, network, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup %s %s: %w", network, host, err)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if (network == "ip4") != a.Is4() {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
