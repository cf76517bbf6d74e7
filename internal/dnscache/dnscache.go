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

// Package dnscache memoizes MX resolution products in Redis so that a
// fleet of delivery processes hitting the same destination domains does
// not hammer the resolver.
//
// The cache is strictly best-effort: a slow or dead Redis turns every
// lookup into a miss and every store into a no-op. DNS keeps working,
// delivery keeps flowing, only the memoization is lost.
package dnscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/foxcpp/mailout/framework/log"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is the entry lifetime when the resolver reports no
	// smaller record TTL.
	DefaultTTL = 300 * time.Second

	// MinTTL is the floor for record-TTL clamping. Records advertising
	// sub-10s TTLs are not worth round trips to Redis.
	MinTTL = 10 * time.Second

	// waitTimeout bounds every Redis operation. An unresponsive cache
	// must never stall delivery for longer than this.
	waitTimeout = 500 * time.Millisecond
)

// Cache is a JSON-valued TTL store under "dns:" keys. A nil client
// disables it: Get always misses, Set does nothing.
type Cache struct {
	log log.Logger
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient, l log.Logger) *Cache {
	return &Cache{log: l, rdb: rdb}
}

// Connect dials Redis from a URL (redis://[user:pass@]host:port/db) and
// verifies the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = waitTimeout
	opt.WriteTimeout = waitTimeout
	opt.MaxRetries = 1

	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Get loads the entry for qname into out. Any failure, including a wait
// past the deadline, is reported as a miss.
func (c *Cache) Get(ctx context.Context, qname string, out interface{}) bool {
	if c == nil || c.rdb == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	raw, err := c.rdb.Get(ctx, "dns:"+qname).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.DebugMsg("dns cache read failed", "qname", qname, "reason", err.Error())
			cacheErrors.Inc()
		}
		cacheMisses.Inc()
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.DebugMsg("dns cache entry malformed", "qname", qname, "reason", err.Error())
		cacheErrors.Inc()
		cacheMisses.Inc()
		return false
	}
	cacheHits.Inc()
	return true
}

// Set stores the resolution product for qname. recordTTL is the
// smallest TTL the resolver saw; zero means unknown and selects
// DefaultTTL.
func (c *Cache) Set(ctx context.Context, qname string, v interface{}, recordTTL time.Duration) {
	if c == nil || c.rdb == nil {
		return
	}

	ttl := DefaultTTL
	if recordTTL > 0 && recordTTL < ttl {
		ttl = recordTTL
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}

	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Error("dns cache marshal failed", err, "qname", qname)
		cacheErrors.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, "dns:"+qname, raw, ttl).Err(); err != nil {
		c.log.DebugMsg("dns cache write failed", "qname", qname, "reason", err.Error())
		cacheErrors.Inc()
	}
}
