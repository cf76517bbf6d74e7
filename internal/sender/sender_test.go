package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/config"
	"github.com/foxcpp/mailout/internal/testutils"
)

func TestNew_Validation(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()
	deps, _ := testDeps(t, mb, testZones())
	cfg := &config.Config{Hostname: "mailout.example.org"}

	if _, err := New(cfg, &Deps{Store: deps.Store, Resolver: deps.Resolver}, testutils.Logger(t, "sender")); err == nil {
		t.Error("Expected an error without a broker client")
	}
	if _, err := New(cfg, &Deps{Broker: deps.Broker, Resolver: deps.Resolver}, testutils.Logger(t, "sender")); err == nil {
		t.Error("Expected an error without a message store")
	}
	if _, err := New(cfg, &Deps{Broker: deps.Broker, Store: deps.Store}, testutils.Logger(t, "sender")); err == nil {
		t.Error("Expected an error without a resolver")
	}

	minimal := &Deps{Broker: deps.Broker, Store: deps.Store, Resolver: deps.Resolver}
	e, err := New(cfg, minimal, testutils.Logger(t, "sender"))
	if err != nil {
		t.Fatal(err)
	}
	if minimal.Hooks == nil || minimal.Rules == nil {
		t.Error("Optional dependencies not defaulted")
	}
	if e.Hooks() != minimal.Hooks {
		t.Error("Hooks accessor returns a different instance")
	}
}

func TestNew_ZoneSetup(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()
	deps, _ := testDeps(t, mb, testZones())

	cfg := &config.Config{
		Hostname: "mailout.example.org",
		Pools: map[string][]config.PoolEntry{
			"main": {
				{Address: "192.0.2.10", Hostname: "out1.example.org"},
				{Address: "192.0.2.11", Hostname: "out2.example.org"},
			},
		},
		Zones: map[string]config.Zone{
			"bulk":    {Name: "bulk", Pool: "main", Connections: 4},
			"default": {Name: "default", Connections: 2},
		},
	}

	e, err := New(cfg, deps, testutils.Logger(t, "sender"))
	if err != nil {
		t.Fatal(err)
	}
	if len(e.zones) != 2 {
		t.Fatalf("Expected 2 zones, got %d", len(e.zones))
	}
	// Zones come up in a stable order.
	if e.zones[0].name != "bulk" || e.zones[1].name != "default" {
		t.Errorf("Wrong zone order: %q, %q", e.zones[0].name, e.zones[1].name)
	}
	if len(e.zones[0].poolAddrs) != 2 {
		t.Errorf("Pool not attached to the zone: %+v", e.zones[0].poolAddrs)
	}
	if len(e.zones[1].poolAddrs) != 0 {
		t.Errorf("Zone without a pool got addresses: %+v", e.zones[1].poolAddrs)
	}
	for _, z := range e.zones {
		closeZone(z)
	}
}

func TestEngine_Run_CleanShutdown(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	defer mb.Close()
	deps, _ := testDeps(t, mb, testZones())

	cfg := &config.Config{
		Hostname: "mailout.example.org",
		Zones:    map[string]config.Zone{"default": {Name: "default", Connections: 1}},
	}
	e, err := New(cfg, deps, testutils.Logger(t, "sender"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mb.Lk.Lock()
		n := len(mb.Hellos)
		mb.Lk.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Zone did not introduce itself in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned an error on clean shutdown: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestEngine_Run_BrokerLost(t *testing.T) {
	mb := testutils.NewMockBroker(t)
	deps, _ := testDeps(t, mb, testZones())

	cfg := &config.Config{
		Hostname: "mailout.example.org",
		Zones:    map[string]config.Zone{"default": {Name: "default", Connections: 1}},
	}
	e, err := New(cfg, deps, testutils.Logger(t, "sender"))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mb.Lk.Lock()
		n := len(mb.Hellos)
		mb.Lk.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Zone did not introduce itself in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mb.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected an error after losing the broker")
		}
		if !errors.Is(err, broker.ErrClosed) {
			t.Errorf("Expected ErrClosed in the chain, got: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after losing the broker")
	}
}

func TestDeliveryLogger(t *testing.T) {
	l := testutils.Logger(t, "sender")
	d := &broker.Delivery{ID: "m1", Seq: "3", Domain: "example.invalid", Recipient: "to@example.invalid"}
	dl := deliveryLogger(l, d)
	if dl.Fields["msg_id"] != "m1" || dl.Fields["seq"] != "3" {
		t.Errorf("Identity fields missing: %+v", dl.Fields)
	}
	if dl.Fields["rcpt"] != "to@example.invalid" {
		t.Errorf("Recipient field missing: %+v", dl.Fields)
	}
	// The original logger is left untouched.
	if _, ok := l.Fields["msg_id"]; ok {
		t.Error("Base logger mutated")
	}
}
