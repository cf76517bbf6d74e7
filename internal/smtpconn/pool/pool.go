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

// Package pool keeps open SMTP sessions around for reuse between
// deliveries. Keys are built by the caller from the source address, the
// exchange hostname and the port, so a pooled session is never handed out
// for a different route than the one it was dialed for.
package pool

import (
	"sync"
	"time"
)

// Conn is a pooled session. Usable is consulted before the connection is
// handed out again: implementations return false once the previous
// transaction failed or the reuse budget is spent.
type Conn interface {
	Usable() bool
	LastUseAt() time.Time
	Close() error
}

type Config struct {
	MaxKeys        int
	MaxConnsPerKey int

	// IdleTimeout is how long a connection may sit in the pool unused
	// before the eviction timer closes it. 5 seconds when zero.
	IdleTimeout time.Duration

	// StaleKeyLifetime is how long a key with no returned connections
	// keeps its bucket allocated.
	StaleKeyLifetime time.Duration
}

type slot struct {
	c chan Conn
	// To keep slot size smaller it is just a unix timestamp.
	lastUse int64
}

type P struct {
	cfg      Config
	keys     map[string]slot
	keysLock sync.Mutex

	evictStop chan struct{}
}

func New(cfg Config) *P {
	if cfg.MaxKeys == 0 {
		cfg.MaxKeys = 5000
	}
	if cfg.MaxConnsPerKey == 0 {
		cfg.MaxConnsPerKey = 10
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.StaleKeyLifetime == 0 {
		cfg.StaleKeyLifetime = 5 * time.Minute
	}

	p := &P{
		cfg:       cfg,
		keys:      make(map[string]slot, cfg.MaxKeys),
		evictStop: make(chan struct{}),
	}

	go p.evictTick(p.evictStop)

	return p
}

func (p *P) evictTick(stop chan struct{}) {
	tick := time.NewTicker(p.cfg.IdleTimeout)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			p.EvictIdle()
		case <-stop:
			return
		}
	}
}

// EvictIdle closes connections that sat in the pool longer than
// IdleTimeout and drops buckets that have seen no activity for
// StaleKeyLifetime. Close on a pooled session sends the polite QUIT,
// hence the separate goroutines.
func (p *P) EvictIdle() {
	now := time.Now()

	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	for k, v := range p.keys {
		if v.lastUse+int64(p.cfg.StaleKeyLifetime/time.Second) <= now.Unix() {
			close(v.c)
			for conn := range v.c {
				go conn.Close()
			}
			delete(p.keys, k)
			continue
		}

		// Drain the bucket once, putting still-fresh connections back.
		n := len(v.c)
		for i := 0; i < n; i++ {
			conn, ok := <-v.c
			if !ok {
				break
			}
			if !conn.Usable() || now.Sub(conn.LastUseAt()) >= p.cfg.IdleTimeout {
				go conn.Close()
				continue
			}
			v.c <- conn
		}
	}
}

// Get pops a connection usable for key. ok is false when the pool has
// none, in which case the caller dials and later hands the session over
// via Return.
func (p *P) Get(key string) (conn Conn, ok bool) {
	p.keysLock.Lock()
	bucket, ok := p.keys[key]
	p.keysLock.Unlock()
	if !ok {
		return nil, false
	}

	for {
		select {
		case conn, ok = <-bucket.c:
			if !ok {
				return nil, false
			}
		default:
			return nil, false
		}

		if !conn.Usable() || time.Since(conn.LastUseAt()) >= p.cfg.IdleTimeout {
			// Close might take some time, run in parallel.
			go conn.Close()
			continue
		}

		return conn, true
	}
}

func (p *P) Return(key string, c Conn) {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	if p.keys == nil {
		return
	}

	bucket, ok := p.keys[key]
	if !ok {
		// Garbage-collect stale buckets.
		if len(p.keys) == p.cfg.MaxKeys {
			for k, v := range p.keys {
				if v.lastUse+int64(p.cfg.StaleKeyLifetime/time.Second) > time.Now().Unix() {
					continue
				}
				delete(p.keys, k)
				close(v.c)

				for conn := range v.c {
					conn.Close()
				}
			}
		}

		bucket = slot{
			c:       make(chan Conn, p.cfg.MaxConnsPerKey),
			lastUse: time.Now().Unix(),
		}
		p.keys[key] = bucket
	}

	select {
	case bucket.c <- c:
		bucket.lastUse = time.Now().Unix()
		p.keys[key] = bucket
	default:
		// Let it go, let it go...
		go c.Close()
	}
}

func (p *P) Close() {
	p.evictStop <- struct{}{}

	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	for k, v := range p.keys {
		close(v.c)
		for conn := range v.c {
			conn.Close()
		}
		delete(p.keys, k)
	}
	p.keys = nil
}
