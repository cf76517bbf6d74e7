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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/classify"
	"github.com/foxcpp/mailout/internal/config"
	"github.com/foxcpp/mailout/internal/limiters"
	"github.com/foxcpp/mailout/internal/smtpconn"
	"github.com/foxcpp/mailout/internal/smtpconn/pool"
)

const (
	// errorSleep is the pause after a failed queue poll or a skipped
	// delivery; idleSleepMax caps the backoff between polls of an empty
	// queue.
	errorSleep   = 1500 * time.Millisecond
	idleSleepMax = time.Second

	// connectYield is how long a worker stays with one attempt before
	// going back to polling, leaving the attempt in flight.
	connectYield = 10 * time.Second

	// shutdownGrace is how long in-flight attempts may keep running
	// after the workers stopped polling.
	shutdownGrace = 5 * time.Second
)

// Zone runs the delivery workers of one sending zone.
type Zone struct {
	name     string
	cfg      config.Zone
	hostname string
	deps     *Deps
	log      log.Logger

	// instance identifies this zone instance to the broker (HELLO).
	instance  string
	poolAddrs []config.PoolEntry

	conns      *pool.P
	rate       *Speedometer
	domainCaps *limiters.BucketSet
	httpClient *http.Client

	// tlsConfig is the base client TLS configuration, cloned for every
	// dial before the per-host fields are filled in.
	tlsConfig *tls.Config

	// attempts tracks in-flight delivery attempts, including those
	// whose worker has yielded. attemptCtx cancels them on hard stop.
	attempts   sync.WaitGroup
	attemptCtx context.Context

	fatalc chan error
}

func newZone(cfg config.Zone, hostname string, poolAddrs []config.PoolEntry, deps *Deps, l log.Logger) *Zone {
	z := &Zone{
		name:      cfg.Name,
		cfg:       cfg,
		hostname:  hostname,
		deps:      deps,
		log:       l,
		instance:  uuid.New().String(),
		poolAddrs: poolAddrs,
		rate:      NewSpeedometer(cfg.Rate, cfg.Name),
		conns: pool.New(pool.Config{
			MaxConnsPerKey: cfg.Connections,
			IdleTimeout:    cfg.PoolIdleTimeout,
		}),
		httpClient: &http.Client{Timeout: httpSinkTimeout},
		tlsConfig:  &tls.Config{},
		attemptCtx: context.Background(),
		fatalc:     make(chan error, 1),
	}
	if len(cfg.DomainConnections) != 0 {
		z.domainCaps = limiters.NewBucketSet(func(domain string) limiters.L {
			max, ok := cfg.DomainConnections[domain]
			if !ok {
				max = cfg.DomainConnections["default"]
			}
			return limiters.NewSemaphore(max)
		}, time.Minute, 10000)
	}
	return z
}

// Run polls the queue and delivers until ctx is canceled or the broker
// channel fails. The returned error is nil for a clean shutdown.
func (z *Zone) Run(ctx context.Context) error {
	if err := z.deps.Broker.Hello(ctx, z.name, z.instance); err != nil {
		return fmt.Errorf("sender: zone %s: %w", z.name, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	attemptCtx, cancelAttempts := context.WithCancel(context.WithoutCancel(ctx))
	z.attemptCtx = attemptCtx
	defer cancelAttempts()

	z.log.Msg("zone started", "workers", z.cfg.Connections, "instance", z.instance)

	var workers sync.WaitGroup
	for i := 0; i < z.cfg.Connections; i++ {
		w := newWorker(z, i)
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.run(wctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	var fatal error
	select {
	case fatal = <-z.fatalc:
		cancel()
		<-done
	case <-done:
		select {
		case fatal = <-z.fatalc:
		default:
		}
	}

	z.rate.Close()

	// Yielded attempts may still be mid-session. Give them the grace
	// period before pulling their context.
	drained := make(chan struct{})
	go func() {
		z.attempts.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		z.log.Msg("shutdown grace expired, canceling in-flight attempts")
		cancelAttempts()
		<-drained
	}

	z.conns.Close()
	if z.domainCaps != nil {
		z.domainCaps.Close()
	}
	z.log.Msg("zone stopped")
	return fatal
}

// fatal records a broker transport failure. The first one stops the
// zone and becomes the Run result. Cancellation during shutdown is not
// an escalation.
func (z *Zone) fatal(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case z.fatalc <- err:
	default:
	}
}

func (z *Zone) takeDomainSlot(ctx context.Context, domain string) error {
	if z.domainCaps == nil || domain == "" {
		return nil
	}
	return z.domainCaps.TakeContext(ctx, domain)
}

func (z *Zone) releaseDomainSlot(domain string) {
	if z.domainCaps == nil || domain == "" {
		return
	}
	z.domainCaps.Release(domain)
}

// worker is one polling loop. tlsDisabled is shared with the worker's
// detached attempts, hence the lock.
type worker struct {
	zone *Zone
	log  log.Logger

	emptyPolls int

	mu          sync.Mutex
	tlsDisabled map[string]struct{}
}

func newWorker(z *Zone, n int) *worker {
	l := z.log
	fields := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["worker"] = n
	l.Fields = fields
	return &worker{zone: z, log: l, tlsDisabled: map[string]struct{}{}}
}

// tlsOff reports whether STARTTLS was found broken for host earlier.
func (w *worker) tlsOff(host string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tlsDisabled[host]
	return ok
}

func (w *worker) disableTLS(host string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tlsDisabled[host] = struct{}{}
}

func (w *worker) run(ctx context.Context) {
	z := w.zone
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := z.deps.Broker.Get(ctx, z.name)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) {
				z.fatal(err)
				return
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error("queue poll failed", err)
			if !sleepCtx(ctx, errorSleep) {
				return
			}
			continue
		}
		if d == nil {
			w.emptyPolls++
			if !sleepCtx(ctx, idleSleep(w.emptyPolls)) {
				return
			}
			continue
		}
		w.emptyPolls = 0

		w.process(ctx, d)
	}
}

// process runs one leased delivery up to the point where its attempt
// either finished or yielded.
func (w *worker) process(ctx context.Context, d *broker.Delivery) {
	z := w.zone
	dlog := deliveryLogger(w.log, d)

	// A delivery queued without resolver options follows the zone's.
	if noDNSOptions(d.DNSOptions) {
		d.DNSOptions = broker.DNSOptions{
			PreferIPv6:          z.cfg.PreferIPv6,
			IgnoreIPv6:          z.cfg.IgnoreIPv6,
			BlockLocalAddresses: z.cfg.BlockLocalAddresses,
			BlockDomains:        z.cfg.BlockDomains,
		}
	}

	if err := z.deps.Hooks.runFetch(ctx, d); err != nil {
		if errors.Is(err, ErrSkip) {
			dlog.Msg("delivery skipped by plugin")
			w.ack(ctx, d, "skipped by plugin request", dlog)
			deliveriesTotal.WithLabelValues(z.name, "skipped").Inc()
			sleepCtx(ctx, errorSleep)
			return
		}
		// Fetch hooks fail before any remote dialog, so the failure is
		// acknowledged without a DSN.
		d.SkipBounce = true
		w.finish(ctx, d, hookError("fetch", err), dlog)
		return
	}

	if err := z.takeDomainSlot(ctx, d.Domain); err != nil {
		if errors.Is(err, limiters.ErrOverloaded) {
			w.finish(ctx, d, &deliveryErr{
				category:  "network",
				response:  "451 4.5.3 Too many concurrent deliveries, try again later",
				code:      451,
				temporary: true,
			}, dlog)
		}
		return
	}

	if err := z.rate.Take(ctx); err != nil {
		// Shutting down while throttled. The lease expires on its own.
		z.releaseDomainSlot(d.Domain)
		return
	}

	done := make(chan struct{})
	z.attempts.Add(1)
	go func() {
		defer z.attempts.Done()
		defer close(done)
		defer z.releaseDomainSlot(d.Domain)
		w.attempt(z.attemptCtx, d, dlog)
	}()

	yield := time.NewTimer(connectYield)
	defer yield.Stop()
	select {
	case <-done:
	case <-yield.C:
		yieldsTotal.WithLabelValues(z.name).Inc()
		dlog.DebugMsg("attempt still in flight, yielding worker")
	case <-ctx.Done():
	}
}

// attempt is the part of a delivery that may outlive its worker: it
// owns the network dialog and the final broker acknowledgement.
func (w *worker) attempt(ctx context.Context, d *broker.Delivery, dlog log.Logger) {
	err := w.deliver(ctx, d, dlog)
	w.finish(ctx, d, err, dlog)
}

func (w *worker) deliver(ctx context.Context, d *broker.Delivery, dlog log.Logger) error {
	z := w.zone

	// The pristine header block is restored when an attempt fails, so
	// retries do not accumulate trace fields and the DSN renders the
	// message as it was queued.
	pristine := d.Headers

	if d.HTTP {
		// The sink is an internal consumer: its failures are not the
		// sender's problem to report and produce no DSN.
		d.SkipBounce = true
		d.Headers = cloneHeaders(pristine)
		err := w.sendHTTP(ctx, d, dlog)
		if err != nil {
			d.Headers = pristine
		}
		return err
	}

	cfg := z.attemptConfig(d)
	conn, err := w.connect(ctx, d, &cfg)
	if err != nil {
		return err
	}

	tlsRetried, reuseRetried := false, false
	for {
		w.noteConn(d, conn)
		d.Headers = cloneHeaders(pristine)

		err = w.send(ctx, conn, d, dlog)
		if err == nil {
			d.Status = lastServerLine(conn.Trail())
			dlog.Msg("delivered",
				"mx", conn.mxHost,
				"src", d.LocalAddress,
				"response", d.Status,
				"secure", conn.tls,
				"reused", conn.reused,
				"size", d.SentBodySize,
			)
			z.release(conn, true)
			return nil
		}
		d.Headers = pristine

		// One fresh-session retry when a pooled connection turns out
		// dead before the message was refused on its merits.
		if conn.reused && !reuseRetried && connectionDead(err) {
			reuseRetried = true
			dlog.Error("pooled connection is dead, redialing", err, "remote_server", conn.mxHost)
			conn.DirectClose()
			conn, err = w.connect(ctx, d, &cfg)
			if err != nil {
				return err
			}
			continue
		}

		// One plaintext retry when the session broke down in a way
		// that smells like a TLS problem. Forbidden under REQUIRETLS
		// and MTA-STS enforce.
		if conn.tls && !conn.enforce && !cfg.requireTLS && !tlsRetried && smtpconn.IsTLSError(err) {
			tlsRetried = true
			w.disableTLS(conn.mxHost)
			dlog.Error("TLS error mid-session, retrying over plaintext", err, "remote_server", conn.mxHost)
			conn.DirectClose()
			conn, err = w.connect(ctx, d, &cfg)
			if err != nil {
				return err
			}
			continue
		}

		trail := conn.Trail()
		z.release(conn, false)
		return exterrors.WithFields(err, map[string]interface{}{"logtrail": trail})
	}
}

// noteConn records the session endpoints on the delivery for the
// Received field, the outcome log line and the DSN.
func (w *worker) noteConn(d *broker.Delivery, conn *sendConn) {
	d.MXHostname = conn.mxHost
	d.LocalHostname = conn.ehlo
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		d.LocalAddress = addr.IP
		d.LocalPort = addr.Port
	}
}

// finish turns the attempt outcome into the broker acknowledgement:
// RELEASE for success, DEFER with the next retry delay, or RELEASE plus
// a queued DSN for a final reject.
func (w *worker) finish(ctx context.Context, d *broker.Delivery, attemptErr error, dlog log.Logger) {
	z := w.zone

	if attemptErr == nil {
		status := d.Status
		if status == "" {
			status = "250 Message accepted"
		}
		w.ack(ctx, d, status, dlog)
		deliveriesTotal.WithLabelValues(z.name, "delivered").Inc()
		z.deps.Hooks.runDelivered(ctx, d)
		return
	}

	res := z.deps.Rules.Current().Classify(classifyDetails(d, attemptErr))

	if res.Action == classify.ActionDefer {
		count := 0
		if d.Deferred != nil {
			count = d.Deferred.Count
		}
		if ttl, ok := classify.DeferTTL(count, deferOverride(d.DeferTimes)); ok {
			w.deferDelivery(ctx, d, attemptErr, res, count, ttl, dlog)
			return
		}
		dlog.Msg("retry schedule exhausted, giving up", "deferred_count", count)
		res.Action = classify.ActionReject
	}

	dlog.Error("delivery failed", attemptErr,
		"response", res.Message,
		"category", res.Category,
		"rule", res.Rule,
		"mx", d.MXHostname,
	)
	w.ack(ctx, d, "rejected: "+res.Message, dlog)
	deliveriesTotal.WithLabelValues(z.name, "rejected").Inc()
	z.bounce(ctx, d, res, dlog)
}

func (w *worker) deferDelivery(ctx context.Context, d *broker.Delivery, attemptErr error, res classify.Result, count int, ttl time.Duration, dlog log.Logger) {
	z := w.zone
	now := time.Now()

	upd := broker.Deferred{
		Count: count + 1,
		First: now.UnixMilli(),
		Last:  now.UnixMilli(),
		Next:  now.Add(ttl).UnixMilli(),
	}
	if d.Deferred != nil && d.Deferred.First != 0 {
		upd.First = d.Deferred.First
	}

	def := broker.Defer{
		ID:       d.ID,
		Seq:      d.Seq,
		Lock:     d.Lock,
		TTL:      ttl.Milliseconds(),
		Response: res.Message,
		Category: res.Category,
		Updates:  broker.DeferUpdates{Deferred: upd},
	}
	if d.LocalAddress != nil {
		def.Address = d.LocalAddress.String()
	}
	if trail, ok := exterrors.Fields(attemptErr)["logtrail"].([]string); ok {
		def.Log = trail
	}

	deferred, err := z.deps.Broker.Defer(ctx, def)
	if err != nil {
		dlog.Error("cannot defer delivery", err)
		z.fatal(err)
		return
	}
	if !deferred {
		dlog.Msg("deferred lease lock already expired", "seq", d.Seq)
	}

	deliveriesTotal.WithLabelValues(z.name, "deferred").Inc()
	dlog.Error("delivery deferred", attemptErr,
		"response", res.Message,
		"category", res.Category,
		"next_attempt_in", ttl,
		"deferred_count", count+1,
	)

	z.maybeDelayNotify(ctx, d, res, now, dlog)
}

// ack releases the delivery with its final status line.
func (w *worker) ack(ctx context.Context, d *broker.Delivery, status string, dlog log.Logger) {
	rel := broker.Release{
		ID:        d.ID,
		Domain:    d.Domain,
		Recipient: d.Recipient,
		Seq:       d.Seq,
		Status:    status,
		Lock:      d.Lock,
	}
	if d.LocalAddress != nil {
		rel.Address = d.LocalAddress.String()
	}
	released, err := w.zone.deps.Broker.Release(ctx, rel)
	if err != nil {
		dlog.Error("cannot release delivery", err)
		w.zone.fatal(err)
		return
	}
	if !released {
		dlog.Msg("lease lock already expired", "seq", d.Seq)
	}
}

func noDNSOptions(o broker.DNSOptions) bool {
	return !o.PreferIPv6 && !o.IgnoreIPv6 && !o.BlockLocalAddresses && len(o.BlockDomains) == 0
}

// idleSleep is the backoff between polls of an empty queue: quadratic
// from 100ms, capped at idleSleepMax.
func idleSleep(polls int) time.Duration {
	d := time.Duration(polls*polls) * 100 * time.Millisecond
	if d > idleSleepMax {
		return idleSleepMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func lastServerLine(trail []string) string {
	for i := len(trail) - 1; i >= 0; i-- {
		if strings.HasPrefix(trail[i], "S: ") {
			return strings.TrimPrefix(trail[i], "S: ")
		}
	}
	return "250 Message accepted"
}

// connectionDead reports whether err says the session is gone rather
// than the message being refused: the kind of failure a pooled
// connection produces when the server closed it while idle.
func connectionDead(err error) bool {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code == 421 {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

// deferOverride converts the queue's per-message retry schedule from
// milliseconds into the classifier's form.
func deferOverride(times []int64) []time.Duration {
	if len(times) == 0 {
		return nil
	}
	out := make([]time.Duration, len(times))
	for i, ms := range times {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}
