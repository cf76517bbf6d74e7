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

package dns

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/foxcpp/mailout/framework/log"
	"github.com/miekg/dns"
)

// TTLResolver is a convenience wrapper for miekg/dns library that provides
// access to certain low-level functionality (notably, per-record TTLs and
// the exact response RCODE). The lookup cache uses TTLs to decide entry
// lifetimes instead of assuming a fixed one.
type TTLResolver struct {
	cl  *dns.Client
	Cfg *dns.ClientConfig
}

// RCodeError is returned by TTLResolver when the RCODE in response is not
// NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	switch err.Code {
	case dns.RcodeFormatError:
		return "dns: rcode FORMERR when looking up " + err.Name
	case dns.RcodeServerFailure:
		return "dns: rcode SERVFAIL when looking up " + err.Name
	case dns.RcodeNameError:
		return "dns: rcode NXDOMAIN when looking up " + err.Name
	case dns.RcodeNotImplemented:
		return "dns: rcode NOTIMP when looking up " + err.Name
	case dns.RcodeRefused:
		return "dns: rcode REFUSED when looking up " + err.Name
	}
	return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
}

func IsNotFound(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	if rcodeErr, ok := err.(RCodeError); ok {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

func (e TTLResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range e.Cfg.Servers {
		resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.Cfg.Port))
		if lastErr != nil {
			continue
		}

		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
			continue
		}

		break
	}
	return resp, lastErr
}

// LookupMX returns the MX records for name together with the smallest TTL
// seen in the answer. NODATA is not an error and is reported as an empty
// set with zero TTL.
func (e TTLResolver) LookupMX(ctx context.Context, name string) (mxs []*net.MX, ttl time.Duration, err error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeMX)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, 0, err
	}

	var minTTL uint32
	mxs = make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}

		if minTTL == 0 || mxRR.Hdr.Ttl < minTTL {
			minTTL = mxRR.Hdr.Ttl
		}
		mxs = append(mxs, &net.MX{
			Host: mxRR.Mx,
			Pref: mxRR.Preference,
		})
	}
	return mxs, time.Duration(minTTL) * time.Second, nil
}

// LookupIPAddr returns both IPv6 and IPv4 addresses of host, IPv6 first,
// together with the smallest TTL across the consumed answers.
//
// An AAAA lookup failure is disregarded if the A lookup succeeds and the
// other way around, so a single broken family does not fail resolution.
func (e TTLResolver) LookupIPAddr(ctx context.Context, host string) (addrs []net.IPAddr, ttl time.Duration, err error) {
	// First, query IPv6.
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	aaaaFailed := false
	var (
		v6ttl   uint32
		v6addrs []net.IPAddr
	)
	if err != nil {
		// Disregard the error for AAAA lookups.
		aaaaFailed = true
		log.DefaultLogger.Error("Network I/O error during AAAA lookup", err, "host", host)
	} else {
		v6addrs = make([]net.IPAddr, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			aaaaRR, ok := rr.(*dns.AAAA)
			if !ok {
				continue
			}
			if v6ttl == 0 || aaaaRR.Hdr.Ttl < v6ttl {
				v6ttl = aaaaRR.Hdr.Ttl
			}
			v6addrs = append(v6addrs, net.IPAddr{IP: aaaaRR.AAAA})
		}
	}

	// Then repeat query with IPv4.
	msg = new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.SetEdns0(4096, false)

	resp, err = e.exchange(ctx, msg)
	var (
		v4ttl   uint32
		v4addrs []net.IPAddr
	)
	if err != nil {
		if aaaaFailed {
			return nil, 0, err
		}
		// Disregard A lookup error if AAAA succeeded.
		log.DefaultLogger.Error("Network I/O error during A lookup, using AAAA records", err, "host", host)
	} else {
		v4addrs = make([]net.IPAddr, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			aRR, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			if v4ttl == 0 || aRR.Hdr.Ttl < v4ttl {
				v4ttl = aRR.Hdr.Ttl
			}
			v4addrs = append(v4addrs, net.IPAddr{IP: aRR.A})
		}
	}

	minTTL := v6ttl
	if minTTL == 0 || (v4ttl != 0 && v4ttl < minTTL) {
		minTTL = v4ttl
	}

	addrs = make([]net.IPAddr, 0, len(v4addrs)+len(v6addrs))
	addrs = append(addrs, v6addrs...)
	addrs = append(addrs, v4addrs...)
	return addrs, time.Duration(minTTL) * time.Second, nil
}

func NewTTLResolver() (*TTLResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}

	if overrideServ != "" && overrideServ != "system-default" {
		host, port, err := net.SplitHostPort(overrideServ)
		if err != nil {
			panic(err)
		}
		cfg.Servers = []string{host}
		cfg.Port = port
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &TTLResolver{
		cl:  cl,
		Cfg: cfg,
	}, nil
}
