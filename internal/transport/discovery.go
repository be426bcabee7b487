package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"

	"github.com/dustinlacewell/strudual/internal/wire"
)

// Discover browses the local network for a relay and returns its base URL.
// It returns the first relay that advertises an address.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, wire.ServiceType, wire.ServiceDomain, entries); err != nil {
		return "", fmt.Errorf("browse for %s: %w", wire.ServiceType, err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("no relay found on the local network")
			}
			if base := entryURL(entry); base != "" {
				return base, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("no relay found on the local network: %w", ctx.Err())
		}
	}
}

func entryURL(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port == 0 {
		return ""
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return ""
	}
	return "ws://" + net.JoinHostPort(ip.String(), fmt.Sprint(entry.Port))
}
