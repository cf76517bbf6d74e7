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

// Package dkim implements the signing side of DKIM (RFC 6376) in the
// form used by the delivery pipeline: the body hash is computed in one
// streaming pass while the message is transmitted (or taken precomputed
// from the queue entry) and the signature header is built around it
// without ever holding the body in memory.
package dkim

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// BodyHasher computes the hash of a message body canonicalized with the
// "relaxed" algorithm (RFC 6376 Section 3.4.4) without modifying the
// bytes passing through.
//
// Canonicalization cannot decide what to do with whitespace and line
// breaks until it sees what follows them: trailing WSP of a line is
// dropped, inner WSP runs become a single SP, and empty lines at the
// end of the body are dropped entirely. The hasher therefore keeps the
// undecided tail as counters instead of feeding it to the digest; the
// tail is resolved by the next text byte or by Sum.
type BodyHasher struct {
	h hash.Hash

	// Undecided tail: line breaks not yet known to be interior ones and
	// a pending WSP run on the current line.
	pendBreaks int
	pendWSP    bool

	sawCR    bool
	wroteAny bool
}

// NewBodyHasher returns a hasher feeding the canonicalized body into h.
// Passing nil selects SHA-256, the only algorithm current signers are
// expected to use.
func NewBodyHasher(h hash.Hash) *BodyHasher {
	if h == nil {
		h = sha256.New()
	}
	return &BodyHasher{h: h}
}

// NewBodyHasherSHA1 returns a SHA-1 hasher for legacy rsa-sha1 key
// descriptors still present in old queue entries.
func NewBodyHasherSHA1() *BodyHasher {
	return &BodyHasher{h: sha1.New()}
}

var crlf = []byte{'\r', '\n'}

// Write consumes a chunk of the raw body. It never fails; the error is
// present to satisfy io.Writer so the hasher can be used with
// io.TeeReader on the transmission path.
func (bh *BodyHasher) Write(p []byte) (int, error) {
	for _, b := range p {
		switch b {
		case '\r':
			bh.sawCR = true
			bh.pendWSP = false
			bh.pendBreaks++
		case '\n':
			if bh.sawCR {
				// Second half of CRLF, the break is already counted.
				bh.sawCR = false
				continue
			}
			bh.pendWSP = false
			bh.pendBreaks++
		case ' ', '\t':
			bh.sawCR = false
			bh.pendWSP = true
		default:
			bh.sawCR = false
			for ; bh.pendBreaks > 0; bh.pendBreaks-- {
				bh.h.Write(crlf)
			}
			if bh.pendWSP {
				bh.h.Write([]byte{' '})
				bh.pendWSP = false
			}
			bh.h.Write([]byte{b})
			bh.wroteAny = true
		}
	}
	return len(p), nil
}

// Sum resolves the buffered tail and returns the digest. A non-empty
// body always ends with exactly one CRLF regardless of how many blank
// lines the raw body had; an empty (or all-whitespace) body hashes as
// the empty string.
//
// Sum must be called once, after the final Write.
func (bh *BodyHasher) Sum() []byte {
	if bh.wroteAny {
		bh.h.Write(crlf)
	}
	return bh.h.Sum(nil)
}
