/*
Mailout - high-volume outbound mail delivery engine.
Copyright © 2021-2024 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package mxlookup turns a recipient domain into an ordered list of
// candidate servers to connect to.
//
// The complete resolution result (every MX with every address, both
// families) is memoized in the shared DNS cache before any filtering, so
// deliveries with different per-message options still share one cache
// entry. Per-delivery options are applied to a fresh copy on every call.
package mxlookup

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/foxcpp/mailout/framework/dns"
	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/dnscache"
)

// Exchange is one candidate server for a domain together with its
// resolved addresses, most preferred address first.
type Exchange struct {
	Host     string       `json:"host"`
	Priority uint16       `json:"priority"`
	Addrs    []net.IPAddr `json:"addrs,omitempty"`

	// Implicit is set when the exchange was not listed in DNS but
	// synthesized from an address literal or the RFC 5321 A/AAAA
	// fallback.
	Implicit bool `json:"implicit,omitempty"`
}

// product is the unfiltered resolution result for one domain, in the
// shape it is stored in the DNS cache. The null MX marker exchange
// (Host ".") is preserved so cache hits reproduce the null MX error.
type product struct {
	Exchanges []Exchange `json:"exchanges"`
}

// Source is the raw resolver consulted when the cache has no answer. It
// reports the smallest record TTL seen in each answer so cache entry
// lifetimes can follow DNS. Implemented by dns.TTLResolver.
//
// NODATA is not an error and is reported as an empty set. NXDOMAIN is
// reported the way dns.IsNotFound understands.
type Source interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, time.Duration, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, time.Duration, error)
}

type plainSource struct {
	r dns.Resolver
}

// WrapResolver adapts a plain dns.Resolver to the Source interface.
// TTLs are reported as zero, leaving cache lifetimes at the default.
func WrapResolver(r dns.Resolver) Source {
	return plainSource{r: r}
}

func (s plainSource) LookupMX(ctx context.Context, domain string) ([]*net.MX, time.Duration, error) {
	records, err := s.r.LookupMX(ctx, domain)
	return records, 0, err
}

func (s plainSource) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, time.Duration, error) {
	addrs, err := s.r.LookupIPAddr(ctx, host)
	return addrs, 0, err
}

// Lookup resolves delivery targets for recipient domains.
type Lookup struct {
	log   log.Logger
	src   Source
	cache *dnscache.Cache

	// Swappable for tests.
	interfaceAddrs func() ([]net.Addr, error)
}

// New creates a Lookup using src for cache misses. cache may be nil, in
// which case every call hits src.
func New(src Source, cache *dnscache.Cache, l log.Logger) *Lookup {
	return &Lookup{
		log:            l,
		src:            src,
		cache:          cache,
		interfaceAddrs: net.InterfaceAddrs,
	}
}

// Resolve returns the candidate exchanges for domain, most preferred
// first, filtered and ordered according to opts. Exchanges that share a
// priority are reordered randomly on every call.
//
// Domains that are address literals ("[192.0.2.1]", "[IPv6:2001:db8::1]"
// or a bare address) produce a single implicit exchange and are not
// cached.
//
// An empty result is an error: either a permanent "no usable servers"
// reject or, for resolver failures other than NXDOMAIN/NODATA, an error
// carrying the temporariness of the underlying failure. All errors have
// category=dns attached for the response classifier.
func (l *Lookup) Resolve(ctx context.Context, domain string, opts broker.DNSOptions) ([]Exchange, error) {
	if ip, ok := parseIPLiteral(domain); ok {
		prod := product{Exchanges: []Exchange{{
			Host:     ip.String(),
			Addrs:    []net.IPAddr{{IP: ip}},
			Implicit: true,
		}}}
		return l.finish(domain, prod, opts)
	}

	lookupName, err := dns.ForLookup(domain)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
			Message:      "Malformed recipient domain",
			TargetName:   "mxlookup",
			Err:          err,
			Misc: map[string]interface{}{
				"category": "dns",
				"domain":   domain,
			},
		}
	}

	var prod product
	if !l.cache.Get(ctx, lookupName, &prod) {
		var ttl time.Duration
		prod, ttl, err = l.resolve(ctx, lookupName)
		if err != nil {
			return nil, err
		}
		l.cache.Set(ctx, lookupName, prod, ttl)
	}

	return l.finish(lookupName, prod, opts)
}

// ResolveHost resolves the addresses of a single named host, for
// smarthost deliveries that bypass MX resolution. Address literals are
// accepted. Only the family options of opts apply: the operator picked
// the host deliberately, so the block lists do not.
func (l *Lookup) ResolveHost(ctx context.Context, host string, opts broker.DNSOptions) ([]net.IPAddr, error) {
	if ip, ok := parseIPLiteral(host); ok {
		return []net.IPAddr{{IP: ip}}, nil
	}

	lookupName, err := dns.ForLookup(host)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
			Message:      "Malformed relay hostname",
			TargetName:   "mxlookup",
			Err:          err,
			Misc: map[string]interface{}{
				"category": "dns",
				"domain":   host,
			},
		}
	}

	addrs, _, err := l.src.LookupIPAddr(ctx, lookupName)
	if err != nil && !dns.IsNotFound(err) {
		return nil, wrapLookupErr(err, lookupName)
	}

	keep := make([]net.IPAddr, 0, len(addrs))
	for _, addr := range addrs {
		if opts.IgnoreIPv6 && addr.IP.To4() == nil {
			continue
		}
		keep = append(keep, addr)
	}
	if len(keep) == 0 {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
			Message:      "No usable addresses for relay host " + host,
			TargetName:   "mxlookup",
			Misc: map[string]interface{}{
				"category": "dns",
				"domain":   host,
			},
		}
	}
	return orderAddrs(keep, opts.PreferIPv6), nil
}

// resolve performs the actual DNS work for one domain: MX, then the
// A/AAAA fallback when the domain has none, then addresses for each
// exchange. The returned TTL is the smallest one seen across the
// consumed answers; zero means "no TTL information".
func (l *Lookup) resolve(ctx context.Context, domain string) (product, time.Duration, error) {
	records, ttl, err := l.src.LookupMX(ctx, domain)
	if err != nil && !dns.IsNotFound(err) {
		return product{}, 0, wrapLookupErr(err, domain)
	}

	// Fall back to A/AAAA records when the domain has no MXs, as
	// required by RFC 5321 Section 5.1.
	if len(records) == 0 {
		addrs, addrTTL, err := l.src.LookupIPAddr(ctx, domain)
		if err != nil && !dns.IsNotFound(err) {
			return product{}, 0, wrapLookupErr(err, domain)
		}
		if len(addrs) == 0 {
			return product{}, 0, nil
		}
		return product{Exchanges: []Exchange{{
			Host:     domain,
			Addrs:    addrs,
			Implicit: true,
		}}}, addrTTL, nil
	}

	prod := product{Exchanges: make([]Exchange, 0, len(records))}
	var lastErr error
	resolvedAny := false
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			// RFC 7505 null MX, kept as a marker for finish.
			prod.Exchanges = append(prod.Exchanges, Exchange{Host: ".", Priority: mx.Pref})
			continue
		}

		exch := Exchange{Host: host, Priority: mx.Pref}
		addrs, addrTTL, err := l.src.LookupIPAddr(ctx, host)
		switch {
		case err != nil && !dns.IsNotFound(err):
			// A single broken exchange does not fail the set unless
			// nothing else resolves.
			l.log.Error("cannot resolve MX host", err, "domain", domain, "mx", host)
			lastErr = err
		case len(addrs) != 0:
			exch.Addrs = addrs
			resolvedAny = true
			if addrTTL != 0 && (ttl == 0 || addrTTL < ttl) {
				ttl = addrTTL
			}
		}
		prod.Exchanges = append(prod.Exchanges, exch)
	}

	if !resolvedAny && lastErr != nil {
		return product{}, 0, wrapLookupErr(lastErr, domain)
	}
	return prod, ttl, nil
}

// finish applies per-delivery filtering and ordering to a resolution
// product and turns an unusable result into the corresponding error.
func (l *Lookup) finish(domain string, prod product, opts broker.DNSOptions) ([]Exchange, error) {
	if len(prod.Exchanges) == 1 && prod.Exchanges[0].Host == "." {
		return nil, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      "Domain does not accept email (null MX)",
			TargetName:   "mxlookup",
			Misc: map[string]interface{}{
				"category": "dns",
				"domain":   domain,
			},
		}
	}

	blockedNames := make(map[string]struct{}, len(opts.BlockDomains))
	var blockedIPs []net.IP
	for _, entry := range opts.BlockDomains {
		if ip := net.ParseIP(strings.TrimSpace(entry)); ip != nil {
			blockedIPs = append(blockedIPs, ip)
			continue
		}
		name, _ := dns.ForLookup(entry)
		blockedNames[name] = struct{}{}
	}

	var localAddrs []net.IP
	if opts.BlockLocalAddresses {
		ifaceAddrs, err := l.interfaceAddrs()
		if err != nil {
			l.log.Error("cannot enumerate interface addresses", err)
		}
		for _, addr := range ifaceAddrs {
			switch addr := addr.(type) {
			case *net.IPNet:
				localAddrs = append(localAddrs, addr.IP)
			case *net.IPAddr:
				localAddrs = append(localAddrs, addr.IP)
			}
		}
	}

	res := make([]Exchange, 0, len(prod.Exchanges))
	for _, exch := range prod.Exchanges {
		if len(blockedNames) != 0 {
			name, _ := dns.ForLookup(exch.Host)
			if _, ok := blockedNames[name]; ok {
				continue
			}
		}

		keep := make([]net.IPAddr, 0, len(exch.Addrs))
		for _, addr := range exch.Addrs {
			switch {
			case addr.IP.IsUnspecified(), addr.IP.Equal(net.IPv4bcast):
				// Never usable, regardless of options.
			case opts.IgnoreIPv6 && addr.IP.To4() == nil:
			case ipBlocked(blockedIPs, addr.IP):
			case opts.BlockLocalAddresses && isLocalIP(addr.IP, localAddrs):
			default:
				keep = append(keep, addr)
			}
		}
		if len(keep) == 0 {
			continue
		}

		exch.Addrs = orderAddrs(keep, opts.PreferIPv6)
		res = append(res, exch)
	}

	if len(res) == 0 {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
			Message:      "No usable MX servers found for " + domain,
			TargetName:   "mxlookup",
			Misc: map[string]interface{}{
				"category": "dns",
				"domain":   domain,
			},
		}
	}

	if len(res) > 1 {
		// Equal-priority exchanges are tried in a random order, per
		// query. Shuffle first so the stable sort keeps the randomized
		// order within each priority group.
		rand.Shuffle(len(res), func(i, j int) {
			res[i], res[j] = res[j], res[i]
		})
		sort.SliceStable(res, func(i, j int) bool {
			return res[i].Priority < res[j].Priority
		})
	}

	return res, nil
}

func ipBlocked(blocked []net.IP, ip net.IP) bool {
	for _, b := range blocked {
		if b.Equal(ip) {
			return true
		}
	}
	return false
}

// isLocalIP reports whether ip points back at the sending host or its
// local networks: loopback, RFC 1918, link-local, or any address bound
// to a local interface.
func isLocalIP(ip net.IP, ifaceAddrs []net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, local := range ifaceAddrs {
		if ip.Equal(local) {
			return true
		}
	}
	return false
}

// orderAddrs moves the preferred address family to the front, keeping
// the resolver's order within each family.
func orderAddrs(addrs []net.IPAddr, preferV6 bool) []net.IPAddr {
	if len(addrs) < 2 {
		return addrs
	}
	out := make([]net.IPAddr, 0, len(addrs))
	for _, addr := range addrs {
		if (addr.IP.To4() == nil) == preferV6 {
			out = append(out, addr)
		}
	}
	for _, addr := range addrs {
		if (addr.IP.To4() == nil) != preferV6 {
			out = append(out, addr)
		}
	}
	return out
}

// parseIPLiteral recognizes the domain part of an address literal
// recipient: "[192.0.2.1]", "[IPv6:2001:db8::1]" or, leniently, a bare
// address without brackets.
func parseIPLiteral(domain string) (net.IP, bool) {
	lit := domain
	if strings.HasPrefix(lit, "[") && strings.HasSuffix(lit, "]") {
		lit = lit[1 : len(lit)-1]
	}
	if len(lit) >= 5 && strings.EqualFold(lit[:5], "IPv6:") {
		lit = lit[5:]
	}
	ip := net.ParseIP(lit)
	return ip, ip != nil
}

func wrapLookupErr(err error, domain string) error {
	reason, misc := exterrors.UnwrapDNSErr(err)
	misc["category"] = "dns"
	misc["domain"] = domain
	return &exterrors.SMTPError{
		Code:         exterrors.SMTPCode(err, 451, 550),
		EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
		Message:      "DNS error during MX resolution",
		TargetName:   "mxlookup",
		Reason:       reason,
		Err:          err,
		Misc:         misc,
	}
}
