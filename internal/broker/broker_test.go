package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/message"
	"github.com/foxcpp/mailout/internal/testutils"
)

func TestGetRelease(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()

	mb.Enqueue(&broker.Delivery{
		ID:        "msg1",
		Seq:       "001",
		From:      "sender@mailout.test",
		Recipient: "rcpt@example.invalid",
		Domain:    "example.invalid",
		Headers: message.Headers{
			{Key: "subject", Line: "Subject: hi"},
		},
		Lock:     "lock-1",
		Deferred: &broker.Deferred{Count: 2, Next: 12345},
	})

	cl := mb.Client(t)
	defer cl.Close()

	if err := cl.Hello(context.Background(), "default", "worker-1"); err != nil {
		t.Fatal(err)
	}

	d, err := cl.Get(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("expected a delivery, got empty response")
	}
	if d.ID != "msg1" || d.Lock != "lock-1" {
		t.Errorf("wrong delivery: %+v", d)
	}
	if d.Deferred == nil || d.Deferred.Count != 2 {
		t.Errorf("lost _deferred state: %+v", d.Deferred)
	}
	if len(d.Headers) != 1 || d.Headers[0].Line != "Subject: hi" {
		t.Errorf("lost headers: %+v", d.Headers)
	}
	if !d.MD5Match {
		t.Error("MD5Match must default to true when sourceMd5 is absent")
	}

	released, err := cl.Release(context.Background(), broker.Release{
		ID: d.ID, Seq: d.Seq, Lock: d.Lock, Status: "delivered",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !released {
		t.Error("expected released=true")
	}

	// Queue is drained now.
	d, err = cl.Get(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Errorf("expected no work, got %+v", d)
	}

	mb.Lk.Lock()
	defer mb.Lk.Unlock()
	if len(mb.Hellos) != 1 || mb.Hellos[0].Zone != "default" {
		t.Errorf("wrong HELLO record: %+v", mb.Hellos)
	}
	if len(mb.Releases) != 1 || mb.Releases[0].Lock != "lock-1" {
		t.Errorf("wrong RELEASE record: %+v", mb.Releases)
	}
}

func TestStaleLock(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()
	mb.StaleLocks["gone"] = true

	cl := mb.Client(t)
	defer cl.Close()

	released, err := cl.Release(context.Background(), broker.Release{ID: "x", Lock: "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Error("expected released=false for a stale lock")
	}

	deferred, err := cl.Defer(context.Background(), broker.Defer{ID: "x", Lock: "gone", TTL: 300000})
	if err != nil {
		t.Fatal(err)
	}
	if deferred {
		t.Error("expected deferred=false for a stale lock")
	}
}

func TestServerError(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()
	mb.CmdErr["GET"] = "queue on fire"

	cl := mb.Client(t)
	defer cl.Close()

	_, err := cl.Get(context.Background(), "default")
	var srvErr *broker.ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if srvErr.Cmd != "GET" || srvErr.Message != "queue on fire" {
		t.Errorf("wrong error contents: %+v", srvErr)
	}
}

func TestCacheOps(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()

	cl := mb.Client(t)
	defer cl.Close()
	ctx := context.Background()

	type entry struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}

	ok, err := cl.GetCache(ctx, "default:domain:example.invalid", &entry{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected miss on empty cache")
	}

	if err := cl.SetCache(ctx, "default:domain:example.invalid", entry{Error: "connect refused", Code: 450}, 2*time.Minute); err != nil {
		t.Fatal(err)
	}

	var got entry
	ok, err = cl.GetCache(ctx, "default:domain:example.invalid", &got)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Error != "connect refused" || got.Code != 450 {
		t.Errorf("wrong cached value: ok=%v %+v", ok, got)
	}

	if err := cl.ClearCache(ctx, "default:domain:example.invalid"); err != nil {
		t.Fatal(err)
	}
	ok, _ = cl.GetCache(ctx, "default:domain:example.invalid", &got)
	if ok {
		t.Error("expected miss after CLEARCACHE")
	}
}

func TestCacheExpiry(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()

	cl := mb.Client(t)
	defer cl.Close()
	ctx := context.Background()

	if err := cl.SetCache(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	var v string
	ok, err := cl.GetCache(ctx, "k", &v)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected entry to expire")
	}
}

func TestConcurrentCommands(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()

	cl := mb.Client(t)
	defer cl.Close()

	// Replies are matched by req id, so concurrent users must never see
	// each other's values.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			if err := cl.SetCache(context.Background(), key, i, time.Minute); err != nil {
				t.Error(err)
				return
			}
			var got int
			ok, err := cl.GetCache(context.Background(), key, &got)
			if err != nil {
				t.Error(err)
				return
			}
			if !ok || got != i {
				t.Errorf("wrong value for %v: ok=%v got=%v", key, ok, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestChannelClose(t *testing.T) {
	mb := testutils.NewMockBroker(t)

	cl := mb.Client(t)
	mb.Close()

	select {
	case <-cl.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not fire after connection loss")
	}
	if cl.Err() == nil {
		t.Error("expected a close reason")
	}

	if _, err := cl.Get(context.Background(), "default"); err == nil {
		t.Error("expected error from Get on a dead channel")
	}
}

func TestDeliveryWireNames(t *testing.T) {
	// The broker wire format is shared with other consumers of the
	// queue; field names are part of the protocol.
	raw := `{
		"id": "i1", "seq": "002", "sessionId": "s1",
		"from": "a@b", "recipient": "c@d", "domain": "d",
		"headers": [{"key": "from", "line": "From: <a@b>"}],
		"bodySize": 42, "sourceMd5": "abcd",
		"dnsOptions": {"preferIPv6": true, "blockDomains": ["evil.test"]},
		"mx": "smart.host", "mxPort": 2525,
		"mxAuth": {"user": "u", "pass": "p"},
		"useLMTP": true, "mxSecure": true,
		"disabledAddresses": ["192.0.2.15"],
		"dkim": {"keys": [{"domain": "d", "selector": "s", "hashAlgo": "rsa-sha256", "bodyHash": "aGk="}]},
		"deferTimes": [300000, 420000],
		"_deferred": {"count": 1, "first": 2, "last": 3, "next": 4},
		"_lock": "lk",
		"http": true, "targetUrl": "http://sink.test/in",
		"origin": "192.0.2.1", "originhost": "client.test",
		"transhost": "helo.test", "transtype": "ESMTP",
		"time": 1700000000000, "interface": "feeder"
	}`

	var d broker.Delivery
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}

	if d.ID != "i1" || d.Seq != "002" || d.SessionID != "s1" {
		t.Errorf("identity fields: %+v", d)
	}
	if !d.DNSOptions.PreferIPv6 || len(d.DNSOptions.BlockDomains) != 1 {
		t.Errorf("dnsOptions: %+v", d.DNSOptions)
	}
	if d.MX != "smart.host" || d.MXPort != 2525 || d.MXAuth == nil || d.MXAuth.User != "u" {
		t.Errorf("smarthost fields: %+v", d)
	}
	if !d.UseLMTP || !d.MXSecure || !d.HTTP || d.TargetURL != "http://sink.test/in" {
		t.Errorf("mode fields: %+v", d)
	}
	if len(d.DKIM.Keys) != 1 || d.DKIM.Keys[0].HashAlgo != "rsa-sha256" {
		t.Errorf("dkim: %+v", d.DKIM)
	}
	if d.Deferred == nil || d.Deferred.Next != 4 || d.Lock != "lk" {
		t.Errorf("lease fields: %+v", d)
	}
	if d.Origin != "192.0.2.1" || d.TransType != "ESMTP" || d.Time != 1700000000000 {
		t.Errorf("trace fields: %+v", d)
	}
	if len(d.DeferTimes) != 2 || d.DeferTimes[0] != 300000 {
		t.Errorf("deferTimes: %+v", d.DeferTimes)
	}
}
