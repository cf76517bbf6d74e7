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

// Package broker implements the client side of the queue broker command
// protocol: newline-delimited JSON frames over a single duplex TCP or
// unix socket connection shared by all workers of the process.
//
// Requests carry a monotonically increasing "req" id and a "cmd" verb;
// the broker answers each with {"req": N, "response": ...} or
// {"req": N, "error": "..."} in whatever order it likes. The client
// matches replies to waiters by id. There is no reconnect logic: losing
// the channel means losing all leases, so the process restarts instead.
package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailout/framework/log"
)

// ErrClosed is reported by commands issued after the channel is gone.
var ErrClosed = errors.New("broker: channel closed")

// ServerError is an error the broker itself reported for a command, as
// opposed to a transport failure.
type ServerError struct {
	Cmd     string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Cmd, e.Message)
}

// Maximum reply frame size. GET responses carry complete header blocks,
// so the limit is well above any sane message header size.
const maxFrameSize = 16 * 1024 * 1024

type pendingReply struct {
	ch chan frame
}

type frame struct {
	Req      uint64          `json:"req"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type requestHeader struct {
	Req uint64 `json:"req"`
	Cmd string `json:"cmd"`
}

// Client is safe for concurrent use by any number of workers.
type Client struct {
	log log.Logger

	conn net.Conn

	wrLock sync.Mutex
	wr     *bufio.Writer

	reqID atomic.Uint64

	pendingLock sync.Mutex
	pending     map[uint64]pendingReply

	closing  atomic.Bool
	done     chan struct{}
	closeErr error // valid after done is closed
}

// Dial connects to the broker. Network is "tcp" or "unix".
func Dial(ctx context.Context, network, addr string, l log.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %v: %w", addr, err)
	}
	return NewClient(conn, l), nil
}

// NewClient wraps an established connection and starts the reply
// dispatcher.
func NewClient(conn net.Conn, l log.Logger) *Client {
	c := &Client{
		log:     l,
		conn:    conn,
		wr:      bufio.NewWriter(conn),
		pending: map[uint64]pendingReply{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the channel dies for any reason. After shutdown
// initiated by Close, Err reports ErrClosed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel died. Valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.closeErr
}

// Close tears the channel down. In-flight commands fail with ErrClosed.
func (c *Client) Close() error {
	c.closing.Store(true)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.log.Error("dropping malformed broker frame", err)
			continue
		}

		c.pendingLock.Lock()
		waiter, ok := c.pending[f.Req]
		delete(c.pending, f.Req)
		c.pendingLock.Unlock()
		if !ok {
			c.log.Msg("broker reply with no waiter", "req", f.Req)
			continue
		}
		waiter.ch <- f
	}

	err := scanner.Err()
	if err == nil || c.closing.Load() {
		err = ErrClosed
	}
	c.fail(err)
}

// fail marks the channel dead. Waiters notice via the done channel.
func (c *Client) fail(err error) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	if c.closeErr != nil {
		return
	}
	c.closeErr = err
	close(c.done)
	c.pending = map[uint64]pendingReply{}
	c.conn.Close()
}

func (c *Client) send(raw []byte) error {
	c.wrLock.Lock()
	defer c.wrLock.Unlock()

	if _, err := c.wr.Write(raw); err != nil {
		return err
	}
	if err := c.wr.WriteByte('\n'); err != nil {
		return err
	}
	return c.wr.Flush()
}

// roundtrip sends one command and decodes the response field into out
// (skipped when out is nil or the response is null).
func (c *Client) roundtrip(ctx context.Context, cmd string, req interface{}, id uint64, out interface{}) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("broker: %s: %w", cmd, err)
	}

	waiter := pendingReply{ch: make(chan frame, 1)}
	c.pendingLock.Lock()
	c.pending[id] = waiter
	c.pendingLock.Unlock()

	if err := c.send(raw); err != nil {
		c.pendingLock.Lock()
		delete(c.pending, id)
		c.pendingLock.Unlock()
		c.fail(err)
		return fmt.Errorf("broker: %s: %w", cmd, err)
	}
	c.log.DebugMsg("broker command", "cmd", cmd, "req", id)

	select {
	case f := <-waiter.ch:
		if f.Error != "" {
			return &ServerError{Cmd: cmd, Message: f.Error}
		}
		if out == nil || len(f.Response) == 0 || bytes.Equal(f.Response, []byte("null")) {
			return nil
		}
		if err := json.Unmarshal(f.Response, out); err != nil {
			return fmt.Errorf("broker: %s: malformed response: %w", cmd, err)
		}
		return nil
	case <-ctx.Done():
		c.pendingLock.Lock()
		delete(c.pending, id)
		c.pendingLock.Unlock()
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("broker: %s: %w", cmd, ErrClosed)
	}
}

// Hello identifies a worker to the broker. Sent once per zone worker
// after the channel is established.
func (c *Client) Hello(ctx context.Context, zone, id string) error {
	req := struct {
		requestHeader
		Zone string `json:"zone"`
		ID   string `json:"id"`
	}{Zone: zone, ID: id}
	req.Req = c.reqID.Add(1)
	req.Cmd = "HELLO"
	return c.roundtrip(ctx, "HELLO", req, req.Req, nil)
}

// Get leases the next ready delivery for the zone. A nil Delivery with
// a nil error means the queue has nothing ready.
func (c *Client) Get(ctx context.Context, zone string) (*Delivery, error) {
	req := struct {
		requestHeader
		Zone string `json:"zone"`
	}{Zone: zone}
	req.Req = c.reqID.Add(1)
	req.Cmd = "GET"

	d := Delivery{MD5Match: true}
	if err := c.roundtrip(ctx, "GET", req, req.Req, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, nil
	}
	return &d, nil
}

// Release destroys the lease after a final outcome. released=false
// means the lock was stale; the caller logs it and moves on.
func (c *Client) Release(ctx context.Context, rel Release) (released bool, err error) {
	req := struct {
		requestHeader
		Release
	}{Release: rel}
	req.Req = c.reqID.Add(1)
	req.Cmd = "RELEASE"

	released = true
	err = c.roundtrip(ctx, "RELEASE", req, req.Req, &released)
	return released, err
}

// Defer requeues the delivery for a later attempt.
func (c *Client) Defer(ctx context.Context, def Defer) (deferred bool, err error) {
	req := struct {
		requestHeader
		Defer
	}{Defer: def}
	req.Req = c.reqID.Add(1)
	req.Cmd = "DEFER"

	deferred = true
	err = c.roundtrip(ctx, "DEFER", req, req.Req, &deferred)
	return deferred, err
}

// Bounce queues a DSN message.
func (c *Client) Bounce(ctx context.Context, bounce Bounce) error {
	req := struct {
		requestHeader
		Bounce
	}{Bounce: bounce}
	req.Req = c.reqID.Add(1)
	req.Cmd = "BOUNCE"
	return c.roundtrip(ctx, "BOUNCE", req, req.Req, nil)
}

// GetCache reads a shared KV entry into out. ok=false means a miss or
// an expired entry.
func (c *Client) GetCache(ctx context.Context, key string, out interface{}) (ok bool, err error) {
	req := struct {
		requestHeader
		Key string `json:"key"`
	}{Key: key}
	req.Req = c.reqID.Add(1)
	req.Cmd = "GETCACHE"

	var raw json.RawMessage
	if err := c.roundtrip(ctx, "GETCACHE", req, req.Req, &raw); err != nil {
		return false, err
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("broker: GETCACHE %v: malformed value: %w", key, err)
		}
	}
	return true, nil
}

// SetCache writes a shared KV entry with a TTL. Writes are idempotent,
// last writer wins.
func (c *Client) SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	req := struct {
		requestHeader
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
		TTL   int64       `json:"ttl"`
	}{Key: key, Value: value, TTL: ttl.Milliseconds()}
	req.Req = c.reqID.Add(1)
	req.Cmd = "SETCACHE"
	return c.roundtrip(ctx, "SETCACHE", req, req.Req, nil)
}

// ClearCache drops a shared KV entry.
func (c *Client) ClearCache(ctx context.Context, key string) error {
	req := struct {
		requestHeader
		Key string `json:"key"`
	}{Key: key}
	req.Req = c.reqID.Add(1)
	req.Cmd = "CLEARCACHE"
	return c.roundtrip(ctx, "CLEARCACHE", req, req.Req, nil)
}
