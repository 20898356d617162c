package query

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog/log"
)

// HostCache maps host names to addresses and back. Lookups that fail fall
// back to DNS and to the numeric address as label.
type HostCache interface {
	LookupHost(name string) (netip.Addr, bool)
	LookupAddr(addr netip.Addr) (string, bool)
	InsertHost(name string, addr netip.Addr) error
}

func parseLiteral(host string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// resolve returns the address of host, preferring IPv4.
func (e *Engine) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, ok := parseLiteral(host); ok {
		return addr, nil
	}
	if e.cache != nil {
		if addr, ok := e.cache.LookupHost(host); ok {
			return addr, nil
		}
	}

	addrs, err := e.lookup(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrHostNotFound, host)
	}

	addr := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is4() {
			addr = a.Unmap()
			break
		}
	}

	if e.cache != nil {
		if err := e.cache.InsertHost(host, addr); err != nil {
			log.Warn().Err(err).Str("host", host).Msg("Failed to update host cache")
		}
	}

	return addr, nil
}
