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

// Package message implements the mutable header list attached to queued
// deliveries and small body stream helpers used when the message is
// written out.
//
// Headers are kept as an ordered list of raw lines, not as a parsed
// name-value map. The queue broker serializes them as JSON and the exact
// line bytes (including the original folding) must survive the round
// trip, otherwise DKIM signatures computed over them would break.
package message

import (
	"bufio"
	"io"
	"strings"
)

// Header is a single header field: the normalized (lowercase) field name
// and the raw line as it appears in the message. The line includes the
// field name and any folding, but no trailing CRLF.
type Header struct {
	Key  string `json:"key"`
	Line string `json:"line"`
}

// Value returns the field body: everything after the first colon,
// unfolded and with outer whitespace trimmed. A line without a colon has
// an empty body.
func (h Header) Value() string {
	i := strings.IndexByte(h.Line, ':')
	if i == -1 {
		return ""
	}
	return strings.Join(strings.Fields(h.Line[i+1:]), " ")
}

// Headers is an ordered header list in wire order, topmost field first.
// Trace fields (Received, DKIM-Signature) are prepended as the message
// moves through the engine.
//
// The zero value is an empty list ready to use.
type Headers []Header

// normalizeKey returns the comparison form of a header field name.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// keyFromLine extracts the normalized field name from a raw header line:
// the lowercase of the text before the first colon.
func keyFromLine(line string) string {
	if i := strings.IndexByte(line, ':'); i != -1 {
		return normalizeKey(line[:i])
	}
	return normalizeKey(line)
}

// Parse reads a header block from r, stopping at the first empty line or
// EOF. Folded lines (continuations starting with SP or HTAB) are joined
// to the preceding field with the original line break preserved.
func Parse(r io.Reader) (Headers, error) {
	var hdrs Headers
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(hdrs) != 0 {
			hdrs[len(hdrs)-1].Line += "\r\n" + line
			continue
		}
		hdrs = append(hdrs, Header{Key: keyFromLine(line), Line: line})
	}
	return hdrs, scanner.Err()
}

// GetAll returns the raw lines of all fields with the given name, in wire
// order.
func (h Headers) GetAll(key string) []string {
	key = normalizeKey(key)
	var lines []string
	for _, hdr := range h {
		if hdr.Key == key {
			lines = append(lines, hdr.Line)
		}
	}
	return lines
}

// GetFirst returns the unfolded body of the first field with the given
// name, or an empty string.
func (h Headers) GetFirst(key string) string {
	key = normalizeKey(key)
	for _, hdr := range h {
		if hdr.Key == key {
			return hdr.Value()
		}
	}
	return ""
}

// Has reports whether at least one field with the given name is present.
func (h Headers) Has(key string) bool {
	key = normalizeKey(key)
	for _, hdr := range h {
		if hdr.Key == key {
			return true
		}
	}
	return false
}

// Add prepends a field to the list. Trace fields added by the engine go
// on top of the existing ones.
func (h *Headers) Add(key, value string) {
	h.AddAt(0, key, value)
}

// AddAt inserts a field at the given position, 0 being the top of the
// block. Positions past the end append.
func (h *Headers) AddAt(index int, key, value string) {
	h.addLineAt(index, Header{Key: normalizeKey(key), Line: key + ": " + value})
}

// AddFormatted prepends an already formatted header line, folding
// included. Used for fields that are rendered with a specific layout,
// like DKIM-Signature.
func (h *Headers) AddFormatted(line string) {
	h.addLineAt(0, Header{Key: keyFromLine(line), Line: line})
}

// Append adds a field at the bottom of the block.
func (h *Headers) Append(key, value string) {
	h.AddAt(len(*h), key, value)
}

func (h *Headers) addLineAt(index int, hdr Header) {
	if index < 0 {
		index = 0
	}
	if index >= len(*h) {
		*h = append(*h, hdr)
		return
	}
	*h = append(*h, Header{})
	copy((*h)[index+1:], (*h)[index:])
	(*h)[index] = hdr
}

// Remove deletes all fields with the given name.
func (h *Headers) Remove(key string) {
	key = normalizeKey(key)
	kept := (*h)[:0]
	for _, hdr := range *h {
		if hdr.Key != key {
			kept = append(kept, hdr)
		}
	}
	*h = kept
}

// Render returns the canonical header block with CRLF line endings,
// terminated by the empty line that separates headers from the body.
func (h Headers) Render() []byte {
	var sb strings.Builder
	for _, hdr := range h {
		sb.WriteString(hdr.Line)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
