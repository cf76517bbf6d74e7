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

package testutils

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/mailout/internal/broker"
)

// MockBroker is an in-process queue broker speaking the real wire
// protocol. Tests script deliveries with Enqueue and inspect the
// recorded RELEASE/DEFER/BOUNCE payloads afterwards.
type MockBroker struct {
	t *testing.T

	Lk sync.Mutex

	// Scripted GET responses, consumed in order. Empty = no work.
	Queue []*broker.Delivery

	Hellos   []HelloRecord
	GetCalls int
	Releases []broker.Release
	Defers   []broker.Defer
	Bounces  []broker.Bounce

	// Locks listed here make RELEASE/DEFER answer released=false.
	StaleLocks map[string]bool

	// Non-empty value makes the named command answer with an error
	// frame instead of a response.
	CmdErr map[string]string

	cache map[string]cacheEntry

	conns []net.Conn
}

type HelloRecord struct {
	Zone string `json:"zone"`
	ID   string `json:"id"`
}

type cacheEntry struct {
	value   json.RawMessage
	expires time.Time
}

func NewMockBroker(t *testing.T) *MockBroker {
	return &MockBroker{
		t:          t,
		StaleLocks: map[string]bool{},
		CmdErr:     map[string]string{},
		cache:      map[string]cacheEntry{},
	}
}

// Enqueue schedules a delivery for a future GET.
func (mb *MockBroker) Enqueue(d *broker.Delivery) {
	mb.Lk.Lock()
	defer mb.Lk.Unlock()
	mb.Queue = append(mb.Queue, d)
}

// CacheValue returns the raw stored KV entry, honoring expiry.
func (mb *MockBroker) CacheValue(key string) (json.RawMessage, bool) {
	mb.Lk.Lock()
	defer mb.Lk.Unlock()
	ent, ok := mb.cache[key]
	if !ok || time.Now().After(ent.expires) {
		return nil, false
	}
	return ent.value, true
}

// Client starts serving one side of an in-memory pipe and returns a
// connected protocol client on the other.
func (mb *MockBroker) Client(t *testing.T) *broker.Client {
	t.Helper()
	server, client := net.Pipe()
	mb.Lk.Lock()
	mb.conns = append(mb.conns, server, client)
	mb.Lk.Unlock()
	go mb.serve(server)
	return broker.NewClient(client, Logger(t, "broker"))
}

// Close drops every connection handed out by Client.
func (mb *MockBroker) Close() {
	mb.Lk.Lock()
	defer mb.Lk.Unlock()
	for _, c := range mb.conns {
		c.Close()
	}
	mb.conns = nil
}

func (mb *MockBroker) serve(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	wr := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		var head struct {
			Req uint64 `json:"req"`
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			mb.t.Errorf("mock broker: malformed frame: %v", err)
			return
		}

		resp, errMsg := mb.handle(head.Cmd, line)

		reply := map[string]interface{}{"req": head.Req}
		if errMsg != "" {
			reply["error"] = errMsg
		} else {
			reply["response"] = resp
		}
		raw, err := json.Marshal(reply)
		if err != nil {
			mb.t.Errorf("mock broker: marshal reply: %v", err)
			return
		}
		if _, err := wr.Write(append(raw, '\n')); err != nil {
			return
		}
		if err := wr.Flush(); err != nil {
			return
		}
	}
}

func (mb *MockBroker) handle(cmd string, line []byte) (interface{}, string) {
	mb.Lk.Lock()
	defer mb.Lk.Unlock()

	if msg := mb.CmdErr[cmd]; msg != "" {
		return nil, msg
	}

	switch cmd {
	case "HELLO":
		var p HelloRecord
		json.Unmarshal(line, &p)
		mb.Hellos = append(mb.Hellos, p)
		return true, ""
	case "GET":
		mb.GetCalls++
		if len(mb.Queue) == 0 {
			return map[string]interface{}{}, ""
		}
		d := mb.Queue[0]
		mb.Queue = mb.Queue[1:]
		return d, ""
	case "RELEASE":
		var rel broker.Release
		if err := json.Unmarshal(line, &rel); err != nil {
			return nil, "malformed RELEASE"
		}
		mb.Releases = append(mb.Releases, rel)
		return !mb.StaleLocks[rel.Lock], ""
	case "DEFER":
		var def broker.Defer
		if err := json.Unmarshal(line, &def); err != nil {
			return nil, "malformed DEFER"
		}
		mb.Defers = append(mb.Defers, def)
		return !mb.StaleLocks[def.Lock], ""
	case "BOUNCE":
		var bounce broker.Bounce
		if err := json.Unmarshal(line, &bounce); err != nil {
			return nil, "malformed BOUNCE"
		}
		mb.Bounces = append(mb.Bounces, bounce)
		return true, ""
	case "GETCACHE":
		var p struct {
			Key string `json:"key"`
		}
		json.Unmarshal(line, &p)
		ent, ok := mb.cache[p.Key]
		if !ok || time.Now().After(ent.expires) {
			delete(mb.cache, p.Key)
			return nil, ""
		}
		return ent.value, ""
	case "SETCACHE":
		var p struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
			TTL   int64           `json:"ttl"`
		}
		json.Unmarshal(line, &p)
		mb.cache[p.Key] = cacheEntry{
			value:   p.Value,
			expires: time.Now().Add(time.Duration(p.TTL) * time.Millisecond),
		}
		return true, ""
	case "CLEARCACHE":
		var p struct {
			Key string `json:"key"`
		}
		json.Unmarshal(line, &p)
		delete(mb.cache, p.Key)
		return true, ""
	default:
		return nil, "unknown command: " + cmd
	}
}
