// Package dns implements the RFC 3263 server location procedure used to
// resolve SIP URIs into concrete transport targets: NAPTR for transport
// discovery, SRV for host/port selection, A/AAAA as the fallback.
package dns

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/voclab/sipcall/internal/util"
	"github.com/voclab/sipcall/sip"
)

// Target is one resolved destination for a SIP URI.
type Target struct {
	// Proto is the transport protocol: UDP, TCP or TLS.
	Proto string
	// Addr is the destination address.
	Addr netip.AddrPort
}

// Resolver wraps net.Resolver with NAPTR/SRV lookup capabilities.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g. "8.8.8.8:53").
	// If empty, the system's default resolver configuration is used.
	NameServer string
	// Timeout specifies the timeout for direct DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

var defResolver = &Resolver{}

// DefaultResolver returns the process default resolver.
func DefaultResolver() *Resolver { return defResolver }

// Resolve locates the targets for a SIP URI per RFC 3263: an IP literal
// or explicit port short-circuits, an explicit transport goes straight
// to SRV, otherwise NAPTR selects the transport first.
func (r *Resolver) Resolve(ctx context.Context, uri *sip.URI) ([]Target, error) {
	proto := uri.Transport()
	if proto == "" {
		if uri.Secured {
			proto = "TLS"
		} else {
			proto = "UDP"
		}
	}

	if addr, err := netip.ParseAddr(strings.Trim(uri.Host, "[]")); err == nil {
		return []Target{{Proto: proto, Addr: netip.AddrPortFrom(addr, defaultPort(uri))}}, nil
	}
	if uri.Port != 0 {
		return r.resolveHost(ctx, proto, uri.Host, uri.Port)
	}

	if uri.Transport() == "" {
		if naptrs, err := r.LookupNAPTR(ctx, uri.Host); err == nil && len(naptrs) > 0 {
			for _, rec := range naptrs {
				p, ok := naptrProto(rec.Service)
				if !ok || !strings.EqualFold(rec.Flags, "s") {
					continue
				}
				if targets, err := r.resolveSRVName(ctx, p, rec.Replacement); err == nil && len(targets) > 0 {
					return targets, nil
				}
			}
		}
	}

	service := "sip"
	if uri.Secured {
		service = "sips"
	}
	srvProto := "udp"
	if proto != "UDP" {
		srvProto = "tcp"
	}
	if srvs, err := r.LookupSRV(ctx, service, srvProto, uri.Host); err == nil && len(srvs) > 0 {
		var out []Target
		for _, srv := range srvs {
			targets, err := r.resolveHost(ctx, proto, strings.TrimSuffix(srv.Target, "."), srv.Port)
			if err != nil {
				continue
			}
			out = append(out, targets...)
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	return r.resolveHost(ctx, proto, uri.Host, defaultPort(uri))
}

func defaultPort(uri *sip.URI) uint16 {
	if uri.Port != 0 {
		return uri.Port
	}
	if uri.Secured {
		return 5061
	}
	return 5060
}

func naptrProto(service string) (string, bool) {
	switch util.UCase(service) {
	case "SIP+D2U":
		return "UDP", true
	case "SIP+D2T":
		return "TCP", true
	case "SIPS+D2T":
		return "TLS", true
	default:
		return "", false
	}
}

func (r *Resolver) resolveSRVName(ctx context.Context, proto, name string) ([]Target, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, "", "", strings.TrimSuffix(name, "."))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	var out []Target
	for _, srv := range srvs {
		targets, err := r.resolveHost(ctx, proto, strings.TrimSuffix(srv.Target, "."), srv.Port)
		if err != nil {
			continue
		}
		out = append(out, targets...)
	}
	return out, nil
}

func (r *Resolver) resolveHost(ctx context.Context, proto, host string, port uint16) ([]Target, error) {
	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	out := make([]Target, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		out = append(out, Target{Proto: proto, Addr: netip.AddrPortFrom(addr.Unmap(), port)})
	}
	return out, nil
}

// LookupIP resolves A/AAAA records, normalising IPv4-mapped addresses.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

// SRV is a DNS SRV record.
type SRV = net.SRV

// LookupSRV resolves SRV records sorted by priority and weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	Order uint16
	// Preference breaks ties between records with equal Order values.
	Preference uint16
	// Flags control the interpretation of the record; "s" selects an
	// SRV lookup of Replacement.
	Flags string
	// Service names the service and protocol, e.g. "SIP+D2T".
	Service string
	// Regexp is a substitution expression, usually empty for SIP.
	Regexp string
	// Replacement is the next domain name to query.
	Replacement string
}

// LookupNAPTR queries NAPTR records for the given host.
// Returns records sorted by Order (ascending), then by Preference (ascending).
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}

	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})

	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
