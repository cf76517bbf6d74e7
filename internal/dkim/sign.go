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

package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/mailout/internal/message"
)

// DefaultFieldNames is the header set signed when the queue entry does
// not name one. Trace fields (Received) are deliberately absent so that
// downstream relays do not break the signature by reordering them.
var DefaultFieldNames = []string{
	"From", "Sender", "Reply-To", "Subject", "Date", "Message-ID",
	"To", "Cc", "MIME-Version", "Content-Type", "Content-Transfer-Encoding",
	"Resent-To", "Resent-Cc", "Resent-From", "Resent-Sender", "Resent-Message-ID",
	"In-Reply-To", "References",
	"List-Id", "List-Help", "List-Unsubscribe", "List-Subscribe",
	"List-Post", "List-Owner", "List-Archive",
}

// SignOptions describes a single signature to attach. BodyHash is the
// raw (not base64) relaxed-canonicalized body digest computed with the
// same algorithm as HashAlgo.
type SignOptions struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
	HashAlgo crypto.Hash
	BodyHash []byte

	// FieldNames overrides DefaultFieldNames when non-nil.
	FieldNames []string

	// Time stamps the t= tag. Zero means "now".
	Time time.Time
}

// Sign builds a DKIM-Signature header over hdrs using the relaxed/relaxed
// canonicalization and returns the formatted header line, folded and
// without the trailing CRLF, ready for Headers.AddFormatted.
//
// The header list is not modified and the body is not read: the caller
// supplies the body hash, either precomputed by the queue ingress or
// produced by a BodyHasher on a previous pass.
func Sign(opts SignOptions, hdrs message.Headers) (string, error) {
	if opts.Domain == "" || opts.Selector == "" {
		return "", fmt.Errorf("dkim: domain and selector are required")
	}
	if opts.Signer == nil {
		return "", fmt.Errorf("dkim: no private key for %s/%s", opts.Domain, opts.Selector)
	}
	if len(opts.BodyHash) == 0 {
		return "", fmt.Errorf("dkim: missing body hash for %s/%s", opts.Domain, opts.Selector)
	}

	algoName, err := algorithmName(opts.Signer, opts.HashAlgo)
	if err != nil {
		return "", err
	}

	fieldNames := opts.FieldNames
	if fieldNames == nil {
		fieldNames = DefaultFieldNames
	}

	// Pick the instances to sign. A name occurring multiple times in
	// fieldNames consumes successive instances starting from the bottom
	// of the header block, as RFC 6376 Section 5.4.2 requires.
	used := map[string]int{}
	var hTag []string
	hash := opts.HashAlgo.New()
	for _, name := range fieldNames {
		key := strings.ToLower(name)
		all := hdrs.GetAll(key)
		n := used[key]
		if n >= len(all) {
			continue
		}
		used[key] = n + 1
		hTag = append(hTag, key)
		hash.Write([]byte(canonicalHeader(all[len(all)-1-n])))
	}
	if len(hTag) == 0 {
		return "", fmt.Errorf("dkim: nothing to sign, no listed fields present")
	}

	when := opts.Time
	if when.IsZero() {
		when = time.Now()
	}

	header := formatSignature(signatureParams{
		algo:     algoName,
		bodyHash: base64.StdEncoding.EncodeToString(opts.BodyHash),
		domain:   opts.Domain,
		headers:  hTag,
		selector: opts.Selector,
		time:     when.Unix(),
	})

	// The signature covers the canonicalized DKIM-Signature field itself
	// with an empty b= value and no trailing CRLF.
	hash.Write([]byte(strings.TrimSuffix(canonicalHeader(header), "\r\n")))

	sig, err := signDigest(opts.Signer, opts.HashAlgo, hash.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("dkim: sign for %s/%s: %w", opts.Domain, opts.Selector, err)
	}

	return header + foldBase64(base64.StdEncoding.EncodeToString(sig)), nil
}

func algorithmName(signer crypto.Signer, h crypto.Hash) (string, error) {
	var hashName string
	switch h {
	case crypto.SHA256:
		hashName = "sha256"
	case crypto.SHA1:
		hashName = "sha1"
	default:
		return "", fmt.Errorf("dkim: unsupported hash algorithm %v", h)
	}
	switch signer.(type) {
	case *rsa.PrivateKey:
		return "rsa-" + hashName, nil
	case ed25519.PrivateKey:
		if h != crypto.SHA256 {
			return "", fmt.Errorf("dkim: ed25519 keys require sha256")
		}
		return "ed25519-sha256", nil
	default:
		return "", fmt.Errorf("dkim: unsupported key type %T", signer)
	}
}

func signDigest(signer crypto.Signer, h crypto.Hash, digest []byte) ([]byte, error) {
	if _, ok := signer.(ed25519.PrivateKey); ok {
		// Pure Ed25519: the digest is the signed message, no prehashing.
		return signer.Sign(rand.Reader, digest, crypto.Hash(0))
	}
	return signer.Sign(rand.Reader, digest, h)
}

type signatureParams struct {
	algo     string
	bodyHash string
	domain   string
	headers  []string
	selector string
	time     int64
}

// formatSignature renders the header with every tag except the final,
// empty b=. Tag order is fixed so the line hashed and the line emitted
// stay byte-identical up to the signature value.
func formatSignature(p signatureParams) string {
	var sb strings.Builder
	sb.WriteString("DKIM-Signature: v=1; a=")
	sb.WriteString(p.algo)
	sb.WriteString("; c=relaxed/relaxed;\r\n\td=")
	sb.WriteString(p.domain)
	sb.WriteString("; s=")
	sb.WriteString(p.selector)
	sb.WriteString("; t=")
	fmt.Fprintf(&sb, "%d", p.time)
	sb.WriteString(";\r\n\th=")
	sb.WriteString(strings.Join(p.headers, ":"))
	sb.WriteString(";\r\n\tbh=")
	sb.WriteString(p.bodyHash)
	sb.WriteString(";\r\n\tb=")
	return sb.String()
}

// foldBase64 breaks a long base64 value into folded chunks. Relaxed
// canonicalization strips the folding before verification, so the split
// points affect the rendered message only.
func foldBase64(v string) string {
	const chunk = 66
	var sb strings.Builder
	for len(v) > chunk {
		sb.WriteString(v[:chunk])
		sb.WriteString("\r\n\t ")
		v = v[chunk:]
	}
	sb.WriteString(v)
	return sb.String()
}

// canonicalHeader returns the relaxed canonical form of a raw header
// line (RFC 6376 Section 3.4.2): lowercase name, unfolded value, WSP
// runs reduced to a single SP, outer WSP dropped, trailing CRLF added.
func canonicalHeader(line string) string {
	name := line
	value := ""
	if i := strings.IndexByte(line, ':'); i != -1 {
		name, value = line[:i], line[i+1:]
	}
	name = strings.ToLower(strings.TrimRight(name, " \t"))
	value = strings.ReplaceAll(value, "\r\n", "")
	value = strings.Join(strings.Fields(value), " ")
	return name + ":" + value + "\r\n"
}
