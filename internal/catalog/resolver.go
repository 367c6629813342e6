package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

// Resolver maps a server host name to an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

// DNSResolver queries A records directly, trying each upstream in turn.
type DNSResolver struct {
	upstreams []string
	client    *dns.Client
}

// NewDNSResolver uses the system resolv.conf servers, then fallback.
func NewDNSResolver(fallback []string) *DNSResolver {
	var upstreams []string
	if cfg, err := dns.ClientConfigFromFile(resolvConfPath); err == nil {
		for _, server := range cfg.Servers {
			upstreams = append(upstreams, net.JoinHostPort(server, cfg.Port))
		}
	}
	for _, server := range fallback {
		upstreams = append(upstreams, net.JoinHostPort(server, "53"))
	}
	return &DNSResolver{
		upstreams: upstreams,
		client:    &dns.Client{Net: "udp", Timeout: 3 * time.Second},
	}
}

// LookupIPv4 returns the first A record for host.
func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", host)
		}
		return addr, nil
	}
	if len(r.upstreams) == 0 {
		return netip.Addr{}, errors.New("no nameservers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, upstream := range r.upstreams {
		resp, _, err := r.client.ExchangeContext(ctx, msg, upstream)
		if err != nil {
			lastErr = fmt.Errorf("query %s: %w", upstream, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query %s: %s", upstream, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
					return addr, nil
				}
			}
		}
		lastErr = fmt.Errorf("no A record for %s", host)
	}
	return netip.Addr{}, lastErr
}
