package mtasts

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/mailout/internal/testutils"
)

type countingDownload struct {
	calls  int32
	policy *Policy
	err    error
}

func (cd *countingDownload) download(context.Context, string) (*Policy, error) {
	atomic.AddInt32(&cd.calls, 1)
	return cd.policy, cd.err
}

func testCache(t *testing.T, zones map[string]mockdns.Zone, cd *countingDownload) (*Cache, *testutils.MockBroker) {
	t.Helper()

	mb := testutils.NewMockBroker(t)
	t.Cleanup(mb.Close)

	c := NewCache(mb.Client(t), &mockdns.Resolver{Zones: zones}, testutils.Logger(t, "mtasts"))
	c.downloadPolicy = cd.download
	return c, mb
}

func stsZone() map[string]mockdns.Zone {
	return map[string]mockdns.Zone{
		"_mta-sts.example.org.": {
			TXT: []string{"v=STSv1; id=1234"},
		},
	}
}

func TestCacheGet(t *testing.T) {
	expectedPolicy := &Policy{
		Mode:   ModeEnforce,
		MaxAge: 60,
		MX:     []string{"mx.example.org"},
	}
	cd := &countingDownload{policy: expectedPolicy}
	c, mb := testCache(t, stsZone(), cd)

	policy, err := c.Get(context.Background(), "EXAMPLE.org")
	if err != nil {
		t.Fatalf("policy get: %v", err)
	}
	if !reflect.DeepEqual(policy, expectedPolicy) {
		t.Fatalf("wrong policy returned, want %+v, got %+v", expectedPolicy, policy)
	}

	if _, ok := mb.CacheValue("sts:example.org"); !ok {
		t.Error("policy was not cached under sts:example.org")
	}
}

func TestCacheGet_Cached(t *testing.T) {
	fetched := &Policy{
		Mode:   ModeEnforce,
		MaxAge: 60,
		MX:     []string{"mx.example.org"},
	}
	cd := &countingDownload{policy: fetched}
	c, _ := testCache(t, stsZone(), cd)

	if _, err := c.Get(context.Background(), "example.org"); err != nil {
		t.Fatalf("policy get: %v", err)
	}

	// The second Get must be served from the KV without a new fetch.
	c.downloadPolicy = (&countingDownload{err: errors.New("broken")}).download

	policy, err := c.Get(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("policy get: %v", err)
	}
	if policy.Mode != ModeEnforce || !reflect.DeepEqual(policy.MX, fetched.MX) {
		t.Fatalf("wrong policy returned from cache: %+v", policy)
	}
	if n := atomic.LoadInt32(&cd.calls); n != 1 {
		t.Errorf("downloadPolicy called %d times, want 1", n)
	}
}

func TestCacheGet_NoRecord(t *testing.T) {
	cd := &countingDownload{policy: &Policy{Mode: ModeEnforce, MaxAge: 60, MX: []string{"a"}}}
	c, mb := testCache(t, nil, cd)

	if _, err := c.Get(context.Background(), "example.org"); err != ErrIgnorePolicy {
		t.Fatalf("policy get: %v", err)
	}
	if n := atomic.LoadInt32(&cd.calls); n != 0 {
		t.Errorf("downloadPolicy called %d times without a TXT record", n)
	}

	// The miss is cached too: a record appearing right away does not
	// lead to a refetch until the negative entry expires.
	c.Resolver = &mockdns.Resolver{Zones: stsZone()}
	if _, err := c.Get(context.Background(), "example.org"); err != ErrIgnorePolicy {
		t.Fatalf("policy get after record appeared: %v", err)
	}
	if _, ok := mb.CacheValue("sts:example.org"); !ok {
		t.Error("negative entry was not cached")
	}
}

func TestCacheGet_MalformedRecord(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"_mta-sts.example.org.": {
			TXT: []string{"v=STSv1"},
		},
	}
	cd := &countingDownload{policy: &Policy{Mode: ModeEnforce, MaxAge: 60, MX: []string{"a"}}}
	c, _ := testCache(t, zones, cd)

	if _, err := c.Get(context.Background(), "example.org"); err != ErrIgnorePolicy {
		t.Fatalf("policy get: %v", err)
	}
	if n := atomic.LoadInt32(&cd.calls); n != 0 {
		t.Errorf("downloadPolicy called %d times for a malformed record", n)
	}
}

func TestCacheGet_DownloadError(t *testing.T) {
	cd := &countingDownload{err: errors.New("broken")}
	c, mb := testCache(t, stsZone(), cd)

	// RFC 8461, Page 10:
	// >If a valid TXT record is found but no policy can be fetched via
	// >HTTPS (for any reason), and there is no valid (non-expired)
	// >previously cached policy, senders MUST continue with delivery as
	// >though the domain has not implemented MTA-STS.
	if _, err := c.Get(context.Background(), "example.org"); err != ErrIgnorePolicy {
		t.Fatalf("policy get: %v", err)
	}
	if _, ok := mb.CacheValue("sts:example.org"); !ok {
		t.Error("fetch failure was not cached")
	}
}

func TestCacheGet_ModeNone(t *testing.T) {
	cd := &countingDownload{policy: &Policy{Mode: ModeNone, MaxAge: 60}}
	c, _ := testCache(t, stsZone(), cd)

	policy, err := c.Get(context.Background(), "example.org")
	if err != nil {
		t.Fatalf("policy get: %v", err)
	}
	if policy.Mode != ModeNone {
		t.Fatalf("Mode = %v", policy.Mode)
	}
}
