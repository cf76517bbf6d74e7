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

package sender

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/config"
	"github.com/foxcpp/mailout/internal/mtasts"
	"github.com/foxcpp/mailout/internal/mxlookup"
	"github.com/foxcpp/mailout/internal/smtpconn"
)

// attemptConfig is the flattened view of zone configuration and
// delivery overrides one attempt runs under, resolved once before any
// network work. Downstream code reads only this.
type attemptConfig struct {
	// relayHost, when set, is dialed instead of the recipient domain
	// MXs: the zone smarthost or the queue's per-delivery override.
	relayHost string
	port      int
	authUser  string
	authPass  string
	lmtp      bool

	// requireTLS forbids the plaintext fallback. Set for deliveries the
	// queue flagged mxSecure; an enforced MTA-STS policy adds to it
	// after resolution.
	requireTLS bool

	connectTimeout  time.Duration
	greetingTimeout time.Duration
	maxUses         int
}

func (z *Zone) attemptConfig(d *broker.Delivery) attemptConfig {
	cfg := attemptConfig{
		relayHost:       z.cfg.RelayHost,
		port:            25,
		lmtp:            d.UseLMTP,
		requireTLS:      d.MXSecure,
		connectTimeout:  z.cfg.ConnectTimeout,
		greetingTimeout: z.cfg.GreetingTimeout,
		maxUses:         z.cfg.ReuseConnections,
	}
	if cfg.relayHost != "" && z.cfg.RelayPort != 0 {
		cfg.port = z.cfg.RelayPort
	}
	if z.cfg.RelayAuth != nil {
		cfg.authUser = z.cfg.RelayAuth.User
		cfg.authPass = z.cfg.RelayAuth.Pass
	}

	// The queue's smarthost wins over the zone relay.
	if d.MX != "" {
		cfg.relayHost = d.MX
		if d.MXAuth != nil {
			cfg.authUser = d.MXAuth.User
			cfg.authPass = d.MXAuth.Pass
		}
	}
	if d.MXPort != 0 {
		cfg.port = d.MXPort
	}
	if cfg.maxUses <= 0 {
		cfg.maxUses = 100
	}
	return cfg
}

// sendConn is one established session, fresh or from the pool.
type sendConn struct {
	*smtpconn.C

	key    string
	mxHost string
	ehlo   string
	src    net.IP

	tls    bool
	authed bool
	reused bool

	// enforce records that an MTA-STS enforce policy covered the
	// session: no downgrade to plaintext may ever happen on it.
	enforce bool

	uses    int
	maxUses int
	last    time.Time
}

// Usable reports whether the pool may hand the session out again.
func (c *sendConn) Usable() bool {
	return c.Client() != nil && c.uses < c.maxUses
}

func (c *sendConn) LastUseAt() time.Time {
	if c.last.IsZero() {
		return time.Now()
	}
	return c.last
}

// connect obtains a session for d: pooled when the previous delivery
// to the same (source, exchange, port) finished cleanly, freshly
// dialed otherwise. The failure cache is consulted before any network
// work and updated with the outcome.
func (w *worker) connect(ctx context.Context, d *broker.Delivery, cfg *attemptConfig) (*sendConn, error) {
	z := w.zone

	exchanges, enforce, err := w.candidates(ctx, d, cfg)
	if err != nil {
		return nil, err
	}
	if enforce {
		cfg.requireTLS = true
	}

	// Other workers may have already found the exchange dead. The key
	// names the first candidate: the one every matching delivery would
	// try first.
	cacheKey := failCacheKey(z.name, d.Domain, exchanges[0].Host, cfg.authUser, cfg.port)
	if entry := z.checkFailCache(ctx, cacheKey); entry != nil {
		failCacheHits.WithLabelValues(z.name).Inc()
		w.log.DebugMsg("connect short-circuited by failure cache", "key", cacheKey)
		return nil, entry.asError()
	}

	var lastErr error
	for i := range exchanges {
		mx := &exchanges[i]
		for _, addr := range mx.Addrs {
			conn, err := w.dial(ctx, d, cfg, mx.Host, addr.IP, enforce)
			if err != nil {
				lastErr = err
				w.log.Error("connect attempt failed", err, "remote_server", mx.Host, "remote_addr", addr.IP.String())
				continue
			}
			z.clearFailCache(ctx, cacheKey)
			return conn, nil
		}
	}
	if lastErr == nil {
		// Can only happen with an empty candidate list after STS
		// filtering in testing mode plus no resolvable addresses.
		lastErr = &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 1},
			Message:      "No servers to connect to",
			TargetName:   "sender",
			Misc: map[string]interface{}{
				"category": "network",
				"domain":   d.Domain,
			},
		}
	}
	connectFailures.WithLabelValues(z.name).Inc()
	z.storeFailCache(ctx, cacheKey, lastErr)
	return nil, lastErr
}

// candidates resolves the exchanges to try for d, most preferred
// first, filtered through the domain's MTA-STS policy when one
// applies. enforce reports whether an enforce-mode policy covers the
// delivery.
func (w *worker) candidates(ctx context.Context, d *broker.Delivery, cfg *attemptConfig) (exchanges []mxlookup.Exchange, enforce bool, err error) {
	z := w.zone

	// Smarthost deliveries trust the configured destination: no MX
	// resolution and no MTA-STS.
	if cfg.relayHost != "" {
		addrs, err := z.deps.Resolver.ResolveHost(ctx, cfg.relayHost, d.DNSOptions)
		if err != nil {
			return nil, false, err
		}
		return []mxlookup.Exchange{{Host: cfg.relayHost, Addrs: addrs, Implicit: true}}, false, nil
	}

	exchanges, err = z.deps.Resolver.Resolve(ctx, d.Domain, d.DNSOptions)
	if err != nil {
		return nil, false, err
	}

	policy := w.stsPolicy(ctx, d.Domain)
	if policy == nil {
		return exchanges, false, nil
	}
	enforce = policy.Mode == mtasts.ModeEnforce

	kept := make([]mxlookup.Exchange, 0, len(exchanges))
	for _, mx := range exchanges {
		if policy.Match(mx.Host) {
			kept = append(kept, mx)
			continue
		}
		stsMismatches.WithLabelValues(z.name).Inc()
		if enforce {
			w.log.Msg("MX not in the MTA-STS policy, skipped", "remote_server", mx.Host, "domain", d.Domain)
			continue
		}
		w.log.Msg("MX does not match published non-enforced MTA-STS policy",
			"remote_server", mx.Host, "domain", d.Domain, "sts_mismatch", true)
		kept = append(kept, mx)
	}
	if len(kept) == 0 {
		return nil, enforce, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Failed to estabilish the MX record authenticity (MTA-STS)",
			TargetName:   "sender",
			Misc: map[string]interface{}{
				"category": "policy",
				"domain":   d.Domain,
			},
		}
	}
	return kept, enforce, nil
}

// stsPolicy returns the domain's usable MTA-STS policy or nil. Lookup
// trouble downgrades to "no policy": losing MTA-STS protection is the
// documented failure mode, losing mail is not.
func (w *worker) stsPolicy(ctx context.Context, domain string) *mtasts.Policy {
	sts := w.zone.deps.STS
	if sts == nil {
		return nil
	}
	policy, err := sts.Get(ctx, domain)
	if err != nil {
		if err != mtasts.ErrIgnorePolicy {
			w.log.Error("MTA-STS policy lookup failed", err, "domain", domain)
		}
		return nil
	}
	if policy.Mode == mtasts.ModeNone {
		return nil
	}
	return policy
}

// dial produces a ready-to-send session for one candidate address:
// source selection, pool lookup, TCP connect, EHLO, opportunistic or
// required STARTTLS, AUTH. A TLS handshake failure on an opportunistic
// session disables TLS for the host (this worker only) and retries
// once over plaintext.
func (w *worker) dial(ctx context.Context, d *broker.Delivery, cfg *attemptConfig, mxHost string, ip net.IP, enforce bool) (*sendConn, error) {
	z := w.zone

	src, ehlo, ok := selectSource(z.poolAddrs, d, z.name, ip.To4() == nil)
	if !ok {
		d.PoolDisabled = true
	}
	if ehlo == "" {
		ehlo = z.hostname
	}

	key := connKey(src, mxHost, cfg.port)
	if pc, ok := z.conns.Get(key); ok {
		conn := pc.(*sendConn)
		conn.uses++
		conn.reused = true
		connReuse.WithLabelValues(z.name).Inc()
		w.log.DebugMsg("connection reused", "remote_server", mxHost, "key", key, "uses", conn.uses)
		return conn, nil
	}

	starttls := cfg.requireTLS || !w.tlsOff(mxHost)

	var (
		conn   *smtpconn.C
		didTLS bool
		err    error
	)

retry:
	conn = smtpconn.New()
	conn.Log = w.log
	conn.Hostname = ehlo
	conn.AddrInSMTPMsg = true
	conn.Dialer = boundDialer(src, ip, cfg.port)
	if cfg.connectTimeout > 0 {
		conn.ConnectTimeout = cfg.connectTimeout
	}
	if cfg.greetingTimeout > 0 {
		conn.CommandTimeout = cfg.greetingTimeout
	}

	tlsCfg := &tls.Config{}
	if z.tlsConfig != nil {
		tlsCfg = z.tlsConfig.Clone()
	}
	tlsCfg.ServerName = mxHost
	if enforce {
		tlsCfg.MinVersion = tls.VersionTLS12
	}

	endp := config.Endpoint{Scheme: "tcp", Host: mxHost, Port: strconv.Itoa(cfg.port)}
	if cfg.port == 465 {
		endp.Scheme = "tls"
	}

	if cfg.lmtp {
		didTLS, err = conn.ConnectLMTP(ctx, endp, starttls, tlsCfg)
	} else {
		didTLS, err = conn.Connect(ctx, endp, starttls, tlsCfg)
	}
	if err != nil {
		if starttls && !cfg.requireTLS && smtpconn.IsTLSError(err) {
			w.disableTLS(mxHost)
			w.log.Error("TLS failed, retrying over plaintext", err, "remote_server", mxHost)
			starttls = false
			goto retry
		}
		return nil, err
	}

	if cfg.requireTLS && !didTLS {
		conn.Close()
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "TLS is required but unavailable or failed (MTA-STS)",
			TargetName:   "sender",
			Misc: map[string]interface{}{
				"remote_server": mxHost,
				"category":      "policy",
			},
		}
	}

	authed := false
	if cfg.authUser != "" {
		if err := conn.Auth(ctx, cfg.authUser, cfg.authPass); err != nil {
			conn.Close()
			return nil, err
		}
		authed = true
	}

	return &sendConn{
		C:       conn,
		key:     key,
		mxHost:  mxHost,
		ehlo:    ehlo,
		src:     src,
		tls:     didTLS,
		authed:  authed,
		enforce: enforce,
		uses:    1,
		maxUses: cfg.maxUses,
	}, nil
}

// boundDialer dials the resolved candidate address from the selected
// source IP. The endpoint address smtpconn passes in is ignored: the
// hostname there is kept for SNI and error reporting only.
func boundDialer(src, target net.IP, port int) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		d := net.Dialer{}
		if src != nil && !src.IsUnspecified() {
			d.LocalAddr = &net.TCPAddr{IP: src}
		}
		return d.DialContext(ctx, network, net.JoinHostPort(target.String(), strconv.Itoa(port)))
	}
}

func connKey(src net.IP, mxHost string, port int) string {
	s := "any"
	if src != nil && !src.IsUnspecified() {
		s = src.String()
	}
	return s + "|" + mxHost + "|" + strconv.Itoa(port)
}

// release hands the session back to the pool after a clean delivery,
// or closes it.
func (z *Zone) release(conn *sendConn, healthy bool) {
	if !healthy || !conn.Usable() {
		conn.Close()
		return
	}
	conn.last = time.Now()
	z.conns.Return(conn.key, conn)
}
