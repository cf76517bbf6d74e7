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

package mxlookup

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/mailout/framework/dns"
	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/dnscache"
	"github.com/foxcpp/mailout/internal/testutils"
	miekgdns "github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
)

type fakeSource struct {
	mx      map[string][]*net.MX
	mxTTL   time.Duration
	mxErr   map[string]error
	addrs   map[string][]net.IPAddr
	addrTTL map[string]time.Duration
	addrErr map[string]error

	mxCalls   int
	addrCalls int
}

func (s *fakeSource) LookupMX(_ context.Context, domain string) ([]*net.MX, time.Duration, error) {
	s.mxCalls++
	if err := s.mxErr[domain]; err != nil {
		return nil, 0, err
	}
	return s.mx[domain], s.mxTTL, nil
}

func (s *fakeSource) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, time.Duration, error) {
	s.addrCalls++
	if err := s.addrErr[host]; err != nil {
		return nil, 0, err
	}
	return s.addrs[host], s.addrTTL[host], nil
}

func testLookup(t *testing.T, src Source, cache *dnscache.Cache) *Lookup {
	l := New(src, cache, testutils.Logger(t, "mxlookup"))
	l.interfaceAddrs = func() ([]net.Addr, error) {
		return nil, nil
	}
	return l
}

func ipAddrs(ips ...string) []net.IPAddr {
	out := make([]net.IPAddr, 0, len(ips))
	for _, textual := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(textual)})
	}
	return out
}

func hostsOf(exchs []Exchange) []string {
	out := make([]string, 0, len(exchs))
	for _, exch := range exchs {
		out = append(out, exch.Host)
	}
	return out
}

func addrsOf(exch Exchange) []string {
	out := make([]string, 0, len(exch.Addrs))
	for _, addr := range exch.Addrs {
		out = append(out, addr.IP.String())
	}
	return out
}

func twoMXSource() *fakeSource {
	return &fakeSource{
		mx: map[string][]*net.MX{
			"example.invalid": {
				{Host: "mx2.example.invalid.", Pref: 20},
				{Host: "mx1.example.invalid.", Pref: 10},
			},
		},
		addrs: map[string][]net.IPAddr{
			"mx1.example.invalid": ipAddrs("2001:db8::25", "192.0.2.25"),
			"mx2.example.invalid": ipAddrs("192.0.2.26"),
		},
	}
}

func TestResolve(t *testing.T) {
	src := twoMXSource()
	res, err := testLookup(t, src, nil).Resolve(context.Background(), "EXAMPLE.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}

	wantHosts := []string{"mx1.example.invalid", "mx2.example.invalid"}
	if !reflect.DeepEqual(hostsOf(res), wantHosts) {
		t.Errorf("wrong exchange order: %v", hostsOf(res))
	}
	wantAddrs := []string{"192.0.2.25", "2001:db8::25"}
	if !reflect.DeepEqual(addrsOf(res[0]), wantAddrs) {
		t.Errorf("wrong mx1 addresses: %v", addrsOf(res[0]))
	}
	if res[0].Priority != 10 || res[1].Priority != 20 {
		t.Errorf("wrong priorities: %v, %v", res[0].Priority, res[1].Priority)
	}
	if res[0].Implicit || res[1].Implicit {
		t.Error("DNS-listed MX marked implicit")
	}
}

func TestResolveAddrOrder(t *testing.T) {
	cases := []struct {
		name string
		opts broker.DNSOptions
		want []string
	}{
		{"default v4 first", broker.DNSOptions{}, []string{"192.0.2.25", "2001:db8::25"}},
		{"prefer v6", broker.DNSOptions{PreferIPv6: true}, []string{"2001:db8::25", "192.0.2.25"}},
		{"ignore v6", broker.DNSOptions{IgnoreIPv6: true}, []string{"192.0.2.25"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := testLookup(t, twoMXSource(), nil).Resolve(context.Background(), "example.invalid", tc.opts)
			if err != nil {
				t.Fatal(err)
			}
			if got := addrsOf(res[0]); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("wrong address order: %v (want %v)", got, tc.want)
			}
		})
	}
}

func TestResolveFallbackA(t *testing.T) {
	src := &fakeSource{
		addrs: map[string][]net.IPAddr{
			"example.invalid": ipAddrs("192.0.2.30"),
		},
	}
	res, err := testLookup(t, src, nil).Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if len(res) != 1 {
		t.Fatalf("want one implicit exchange, got %v", hostsOf(res))
	}
	if res[0].Host != "example.invalid" || !res[0].Implicit || res[0].Priority != 0 {
		t.Errorf("wrong fallback exchange: %+v", res[0])
	}
	if want := []string{"192.0.2.30"}; !reflect.DeepEqual(addrsOf(res[0]), want) {
		t.Errorf("wrong fallback addresses: %v", addrsOf(res[0]))
	}
}

func TestResolveNotFound(t *testing.T) {
	nxdomain := &net.DNSError{Err: "no such host", Name: "missing.invalid", IsNotFound: true}
	src := &fakeSource{
		mxErr:   map[string]error{"missing.invalid": nxdomain},
		addrErr: map[string]error{"missing.invalid": nxdomain},
	}

	_, err := testLookup(t, src, nil).Resolve(context.Background(), "missing.invalid", broker.DNSOptions{})
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 4, 4},
		"No usable MX servers found for missing.invalid")
	if exterrors.IsTemporary(err) {
		t.Error("nonexistent domain reported as temporary")
	}
	if fields := exterrors.Fields(err); fields["category"] != "dns" {
		t.Errorf("wrong category: %v", fields["category"])
	}
}

func TestResolveServfail(t *testing.T) {
	src := &fakeSource{
		mxErr: map[string]error{
			"example.invalid": dns.RCodeError{Name: "example.invalid.", Code: miekgdns.RcodeServerFailure},
		},
	}

	_, err := testLookup(t, src, nil).Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	testutils.CheckSMTPErr(t, err, 451, exterrors.EnhancedCode{4, 4, 4},
		"DNS error during MX resolution")
	if !exterrors.IsTemporary(err) {
		t.Error("SERVFAIL reported as permanent")
	}
	if fields := exterrors.Fields(err); fields["category"] != "dns" {
		t.Errorf("wrong category: %v", fields["category"])
	}
}

func TestResolveNullMX(t *testing.T) {
	src := &fakeSource{
		mx: map[string][]*net.MX{
			"example.invalid": {{Host: ".", Pref: 0}},
		},
	}

	_, err := testLookup(t, src, nil).Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	testutils.CheckSMTPErr(t, err, 556, exterrors.EnhancedCode{5, 1, 10},
		"Domain does not accept email (null MX)")
	if exterrors.IsTemporary(err) {
		t.Error("null MX reported as temporary")
	}
}

func TestResolveNullMXMixed(t *testing.T) {
	// Not a proper RFC 7505 null MX: a "." exchange next to a real one
	// is dropped instead of failing the domain.
	src := twoMXSource()
	src.mx["example.invalid"] = append(src.mx["example.invalid"], &net.MX{Host: ".", Pref: 0})

	res, err := testLookup(t, src, nil).Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"mx1.example.invalid", "mx2.example.invalid"}; !reflect.DeepEqual(hostsOf(res), want) {
		t.Errorf("wrong exchanges: %v", hostsOf(res))
	}
}

func TestResolveBrokenMXHost(t *testing.T) {
	servfail := dns.RCodeError{Name: "mx1.example.invalid.", Code: miekgdns.RcodeServerFailure}

	src := twoMXSource()
	delete(src.addrs, "mx1.example.invalid")
	src.addrErr = map[string]error{"mx1.example.invalid": servfail}

	// One of two exchanges resolving is enough.
	res, err := testLookup(t, src, nil).Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"mx2.example.invalid"}; !reflect.DeepEqual(hostsOf(res), want) {
		t.Errorf("wrong exchanges: %v", hostsOf(res))
	}

	// The same failure on the only exchange fails resolution.
	src = &fakeSource{
		mx: map[string][]*net.MX{
			"example.invalid": {{Host: "mx1.example.invalid.", Pref: 10}},
		},
		addrErr: map[string]error{"mx1.example.invalid": servfail},
	}
	_, err = testLookup(t, src, nil).Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	testutils.CheckSMTPErr(t, err, 451, exterrors.EnhancedCode{4, 4, 4},
		"DNS error during MX resolution")
}

func TestResolveLiteral(t *testing.T) {
	cases := []struct {
		domain string
		want   string
	}{
		{"[192.0.2.7]", "192.0.2.7"},
		{"[IPv6:2001:db8::7]", "2001:db8::7"},
		{"[ipv6:2001:db8::8]", "2001:db8::8"},
		{"198.51.100.7", "198.51.100.7"},
	}
	for _, tc := range cases {
		t.Run(tc.domain, func(t *testing.T) {
			src := &fakeSource{}
			res, err := testLookup(t, src, nil).Resolve(context.Background(), tc.domain, broker.DNSOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if len(res) != 1 || res[0].Host != tc.want || !res[0].Implicit {
				t.Fatalf("wrong exchange: %+v", res)
			}
			if want := []string{tc.want}; !reflect.DeepEqual(addrsOf(res[0]), want) {
				t.Errorf("wrong addresses: %v", addrsOf(res[0]))
			}
			if src.mxCalls != 0 || src.addrCalls != 0 {
				t.Error("literal recipient caused DNS queries")
			}
		})
	}

	_, err := testLookup(t, &fakeSource{}, nil).Resolve(context.Background(),
		"[127.0.0.1]", broker.DNSOptions{BlockLocalAddresses: true})
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 4, 4},
		"No usable MX servers found for [127.0.0.1]")
}

func TestResolveBlockDomains(t *testing.T) {
	cases := []struct {
		name      string
		block     []string
		wantHosts []string
		wantErr   bool
	}{
		{"by hostname", []string{"MX1.EXAMPLE.INVALID"}, []string{"mx2.example.invalid"}, false},
		{"by address", []string{"192.0.2.26"}, []string{"mx1.example.invalid"}, false},
		{"everything", []string{"mx1.example.invalid", "192.0.2.26"}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := testLookup(t, twoMXSource(), nil).Resolve(context.Background(),
				"example.invalid", broker.DNSOptions{BlockDomains: tc.block})
			if tc.wantErr {
				testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 4, 4},
					"No usable MX servers found for example.invalid")
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(hostsOf(res), tc.wantHosts) {
				t.Errorf("wrong exchanges: %v", hostsOf(res))
			}
		})
	}
}

func TestResolveBlockLocalAddresses(t *testing.T) {
	src := &fakeSource{
		mx: map[string][]*net.MX{
			"example.invalid": {{Host: "mx.example.invalid.", Pref: 10}},
		},
		addrs: map[string][]net.IPAddr{
			"mx.example.invalid": ipAddrs(
				"127.0.0.1", "10.1.2.3", "169.254.10.1", "fe80::1",
				"198.51.100.50", "203.0.113.9"),
		},
	}
	l := testLookup(t, src, nil)
	l.interfaceAddrs = func() ([]net.Addr, error) {
		return []net.Addr{
			&net.IPNet{IP: net.ParseIP("198.51.100.50"), Mask: net.CIDRMask(24, 32)},
		}, nil
	}

	res, err := l.Resolve(context.Background(), "example.invalid",
		broker.DNSOptions{BlockLocalAddresses: true})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"203.0.113.9"}; !reflect.DeepEqual(addrsOf(res[0]), want) {
		t.Errorf("wrong addresses: %v", addrsOf(res[0]))
	}

	// Without the option only the never-usable ranges are dropped.
	res, err = l.Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Addrs) != 6 {
		t.Errorf("unexpected filtering: %v", addrsOf(res[0]))
	}
}

func TestResolveUnusableRanges(t *testing.T) {
	src := &fakeSource{
		mx: map[string][]*net.MX{
			"example.invalid": {{Host: "mx.example.invalid.", Pref: 10}},
		},
		addrs: map[string][]net.IPAddr{
			"mx.example.invalid": ipAddrs("0.0.0.0", "::", "255.255.255.255"),
		},
	}

	_, err := testLookup(t, src, nil).Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 4, 4},
		"No usable MX servers found for example.invalid")
}

func TestResolveSamePriorityShuffle(t *testing.T) {
	src := &fakeSource{
		mx: map[string][]*net.MX{
			"example.invalid": {
				{Host: "primary.example.invalid.", Pref: 0},
				{Host: "mxa.example.invalid.", Pref: 10},
				{Host: "mxb.example.invalid.", Pref: 10},
				{Host: "mxc.example.invalid.", Pref: 10},
			},
		},
		addrs: map[string][]net.IPAddr{
			"primary.example.invalid": ipAddrs("192.0.2.1"),
			"mxa.example.invalid":     ipAddrs("192.0.2.2"),
			"mxb.example.invalid":     ipAddrs("192.0.2.3"),
			"mxc.example.invalid":     ipAddrs("192.0.2.4"),
		},
	}
	l := testLookup(t, src, nil)

	secondHosts := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		res, err := l.Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if res[0].Host != "primary.example.invalid" {
			t.Fatalf("priority 0 exchange not first: %v", hostsOf(res))
		}
		secondHosts[res[1].Host] = struct{}{}
	}

	if len(secondHosts) < 2 {
		t.Error("same-priority exchanges are never reordered")
	}
}

func TestResolveCached(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer rdb.Close()
	cache := dnscache.New(rdb, testutils.Logger(t, "dnscache"))

	src := twoMXSource()
	src.mxTTL = 60 * time.Second
	src.addrTTL = map[string]time.Duration{
		"mx1.example.invalid": 120 * time.Second,
		"mx2.example.invalid": 120 * time.Second,
	}
	l := testLookup(t, src, cache)

	first, err := l.Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if src.mxCalls != 1 {
		t.Fatalf("unexpected MX query count: %v", src.mxCalls)
	}

	second, err := l.Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if src.mxCalls != 1 || src.addrCalls != 2 {
		t.Errorf("second resolution did not come from cache (%v MX, %v addr queries)",
			src.mxCalls, src.addrCalls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached result differs:\n%+v\n%+v", first, second)
	}

	// Entry lifetime follows the smallest record TTL.
	if ttl := srv.TTL("dns:example.invalid"); ttl != 60*time.Second {
		t.Errorf("wrong cache TTL: %v", ttl)
	}

	// Per-delivery options filter the shared entry, not the lookup.
	v4only, err := l.Resolve(context.Background(), "example.invalid",
		broker.DNSOptions{IgnoreIPv6: true})
	if err != nil {
		t.Fatal(err)
	}
	if src.mxCalls != 1 {
		t.Error("per-delivery options bypassed the cache")
	}
	if want := []string{"192.0.2.25"}; !reflect.DeepEqual(addrsOf(v4only[0]), want) {
		t.Errorf("wrong filtered addresses: %v", addrsOf(v4only[0]))
	}
}

func TestResolveWrapResolver(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
		"mx.example.invalid.": {
			A: []string{"192.0.2.10"},
		},
	}
	l := testLookup(t, WrapResolver(&mockdns.Resolver{Zones: zones}), nil)

	res, err := l.Resolve(context.Background(), "example.invalid", broker.DNSOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Host != "mx.example.invalid" {
		t.Fatalf("wrong exchanges: %v", hostsOf(res))
	}
	if want := []string{"192.0.2.10"}; !reflect.DeepEqual(addrsOf(res[0]), want) {
		t.Errorf("wrong addresses: %v", addrsOf(res[0]))
	}

	_, err = l.Resolve(context.Background(), "missing.invalid", broker.DNSOptions{})
	if err == nil {
		t.Fatal("no error for nonexistent domain")
	}
	if exterrors.IsTemporary(err) {
		t.Error("nonexistent domain reported as temporary")
	}
}
