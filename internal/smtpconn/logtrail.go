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

package smtpconn

import (
	"net"
	"strconv"
	"sync"
)

const (
	// trailMaxLines is the amount of most recent protocol lines kept per
	// session. When the session is longer, the oldest lines are dropped
	// and Lines prepends a marker saying how many.
	trailMaxLines = 200

	// trailMaxLineLen is the amount of bytes kept per line.
	trailMaxLineLen = 512
)

// Trail is a bounded capture of the SMTP session, one entry per protocol
// line, prefixed with "C: " or "S: " depending on the direction.
//
// Message content is not captured: the C object pauses the client
// direction for the duration of the DATA payload and records a single
// synthetic marker instead. Server replies are always captured.
type Trail struct {
	mu      sync.Mutex
	lines   []string
	dropped int
	wpaused bool
}

func (t *Trail) add(line string) {
	if len(t.lines) == trailMaxLines {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:trailMaxLines-1]
		t.dropped++
	}
	t.lines = append(t.lines, line)
}

// Note records a synthetic entry that did not travel over the wire.
func (t *Trail) Note(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add("[" + text + "]")
}

// PauseWrites stops capture of the client direction until ResumeWrites.
// The write side of a DATA transfer is flushed by the downstream
// bufio.Writer at unpredictable points, including inside the closing of
// the dot-stuffed stream, so the pause must span both.
func (t *Trail) PauseWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wpaused = true
}

func (t *Trail) ResumeWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wpaused = false
}

// Lines returns a copy of the captured session so far.
func (t *Trail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []string
	if t.dropped != 0 {
		res = append(res, "["+strconv.Itoa(t.dropped)+" earlier lines dropped]")
	}
	return append(res, t.lines...)
}

// scan consumes one chunk of wire data for the given direction, completing
// lines accumulated in part. Empty lines are not recorded, so the CRLF
// pair before the final dot of DATA does not produce a bogus entry.
func (t *Trail) scan(dir byte, part *[]byte, chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dir == 'C' && t.wpaused {
		*part = (*part)[:0]
		return
	}

	for _, b := range chunk {
		if b != '\n' {
			if len(*part) < trailMaxLineLen {
				*part = append(*part, b)
			}
			continue
		}

		line := *part
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) != 0 {
			t.add(string(dir) + ": " + string(line))
		}
		*part = (*part)[:0]
	}
}

// tap is a net.Conn wrapper that records complete protocol lines passing
// in either direction. It must sit above the TLS layer, otherwise it
// would be fed ciphertext; attemptConnect relayers it after STARTTLS.
type tap struct {
	net.Conn
	trail *Trail

	// banner is served to the first Read calls before any wire data and
	// is not recorded. Used to resume a session past its greeting stage
	// after the TLS upgrade.
	banner []byte

	rpart, wpart []byte
}

func newTap(conn net.Conn, trail *Trail) *tap {
	return &tap{Conn: conn, trail: trail}
}

func (t *tap) Read(p []byte) (int, error) {
	if len(t.banner) != 0 {
		n := copy(p, t.banner)
		t.banner = t.banner[n:]
		return n, nil
	}

	n, err := t.Conn.Read(p)
	t.trail.scan('S', &t.rpart, p[:n])
	return n, err
}

func (t *tap) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	t.trail.scan('C', &t.wpart, p[:n])
	return n, err
}
