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

package message

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"time"
)

// MD5Tap is a pass-through reader that digests everything read from the
// wrapped reader. The digest of the sent body is compared against the
// checksum computed when the message was queued to catch storage
// corruption. MD5 is a content checksum here, not a security measure.
type MD5Tap struct {
	r io.Reader
	h hash.Hash
	n int64
}

func NewMD5Tap(r io.Reader) *MD5Tap {
	return &MD5Tap{r: r, h: md5.New()}
}

func (t *MD5Tap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
		t.n += int64(n)
	}
	return n, err
}

// SumHex returns the hex digest of the bytes read so far.
func (t *MD5Tap) SumHex() string {
	return hex.EncodeToString(t.h.Sum(nil))
}

// Size returns the number of bytes read so far.
func (t *MD5Tap) Size() int64 {
	return t.n
}

// ByteCounter is a pass-through reader that records how many body bytes
// were streamed and how long the transfer took, for the delivery log.
type ByteCounter struct {
	r       io.Reader
	n       int64
	started time.Time
	last    time.Time
}

func NewByteCounter(r io.Reader) *ByteCounter {
	return &ByteCounter{r: r}
}

func (c *ByteCounter) Read(p []byte) (int, error) {
	if c.started.IsZero() {
		c.started = time.Now()
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
	}
	c.last = time.Now()
	return n, err
}

// Count returns the number of bytes streamed so far.
func (c *ByteCounter) Count() int64 {
	return c.n
}

// Elapsed returns the time between the first and the most recent read.
func (c *ByteCounter) Elapsed() time.Duration {
	if c.started.IsZero() {
		return 0
	}
	return c.last.Sub(c.started)
}
