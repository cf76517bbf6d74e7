package mtasts

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/foxcpp/mailout/framework/dns"
	"github.com/foxcpp/mailout/framework/log"
)

// ErrIgnorePolicy means the domain has no usable MTA-STS policy and
// delivery should proceed as if MTA-STS were not implemented.
var ErrIgnorePolicy = errors.New("mtasts: no usable policy")

// KV is the slice of the broker client used for policy caching.
type KV interface {
	GetCache(ctx context.Context, key string, out interface{}) (bool, error)
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Resolver is the part of the DNS resolver needed for the TXT gate.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

var httpClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return errors.New("mtasts: HTTP redirects are forbidden")
	},
	Timeout: time.Minute,
}

const maxPolicySize = 64 * 1024

func downloadPolicy(ctx context.Context, domain string) (*Policy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://mta-sts."+domain+"/.well-known/mta-sts.txt", nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Policies fetched via HTTPS are only valid if the HTTP response
	// code is 200 (OK). 3xx redirects are rejected by the client above.
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("mtasts: HTTP " + resp.Status)
	}

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if contentType != "text/plain" {
		return nil, errors.New("mtasts: unexpected content type")
	}

	return readPolicy(io.LimitReader(resp.Body, maxPolicySize))
}

// Cache reads and fills MTA-STS policy entries in the shared broker KV
// so all workers and processes see one fetch per domain. Entries live
// for the policy max_age; fetch failures are cached for a minute to
// keep a broken policy host from stalling every delivery to it.
type Cache struct {
	KV       KV
	Resolver Resolver
	Logger   log.Logger

	// Swapped in tests.
	downloadPolicy func(ctx context.Context, domain string) (*Policy, error)
}

func NewCache(kv KV, resolver Resolver, l log.Logger) *Cache {
	return &Cache{
		KV:             kv,
		Resolver:       resolver,
		Logger:         l,
		downloadPolicy: downloadPolicy,
	}
}

type cacheRecord struct {
	Mode    Mode     `json:"mode,omitempty"`
	MX      []string `json:"mx,omitempty"`
	Expires int64    `json:"expires,omitempty"` // ms since epoch
	Error   string   `json:"error,omitempty"`
}

const errTTL = time.Minute

// Get returns the policy for domain, fetching and caching it on a
// miss.
func (c *Cache) Get(ctx context.Context, domain string) (*Policy, error) {
	fqdn, err := dns.ForLookup(domain)
	if err != nil {
		return nil, ErrIgnorePolicy
	}
	key := "sts:" + fqdn

	var rec cacheRecord
	ok, err := c.KV.GetCache(ctx, key, &rec)
	if err != nil {
		// Cache trouble should not block the fetch.
		c.Logger.Error("policy cache read failed", err, "domain", fqdn)
	} else if ok {
		if rec.Error != "" {
			return nil, ErrIgnorePolicy
		}
		return &Policy{Mode: rec.Mode, MX: rec.MX}, nil
	}

	policy, err := c.fetch(ctx, fqdn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.Logger.DebugMsg("no usable policy", "domain", fqdn, "reason", err.Error())
		c.set(ctx, key, cacheRecord{Error: err.Error()}, errTTL)
		return nil, ErrIgnorePolicy
	}

	ttl := time.Duration(policy.MaxAge) * time.Second
	if ttl < errTTL {
		ttl = errTTL
	}
	c.set(ctx, key, cacheRecord{
		Mode:    policy.Mode,
		MX:      policy.MX,
		Expires: time.Now().Add(ttl).UnixMilli(),
	}, ttl)
	return policy, nil
}

func (c *Cache) set(ctx context.Context, key string, rec cacheRecord, ttl time.Duration) {
	if err := c.KV.SetCache(ctx, key, rec, ttl); err != nil {
		c.Logger.Error("policy cache write failed", err, "key", key)
	}
}

func (c *Cache) fetch(ctx context.Context, fqdn string) (*Policy, error) {
	records, err := c.Resolver.LookupTXT(ctx, "_mta-sts."+fqdn)
	if err != nil {
		return nil, err
	}

	// RFC 8461 Section 3.1: senders MUST assume the domain has no
	// available policy unless there is exactly one syntactically valid
	// record.
	if len(records) != 1 {
		return nil, errors.New("mtasts: no record")
	}
	if _, err := readDNSRecord(records[0]); err != nil {
		return nil, err
	}

	return c.downloadPolicy(ctx, fqdn)
}
