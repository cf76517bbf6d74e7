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

package sender

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/dkim"
	"github.com/foxcpp/mailout/internal/message"
	"github.com/foxcpp/mailout/internal/store"
)

// send pushes one prepared delivery through an established session:
// trace header, header hooks, DKIM, envelope, body stream. The header
// list of d is expected to be a private copy; it is mutated.
func (w *worker) send(ctx context.Context, conn *sendConn, d *broker.Delivery, dlog log.Logger) error {
	z := w.zone

	d.Headers.Add("Received", formatReceived(d, conn, z.hostname, time.Now()))
	if err := z.deps.Hooks.runHeaders(ctx, d); err != nil {
		return hookError("headers", err)
	}
	z.signHeaders(ctx, d, dlog)

	headerBytes := d.Headers.Render()

	opts := smtp.MailOptions{RequireTLS: d.MXSecure}
	if d.BodySize > 0 {
		opts.Size = d.BodySize + int64(len(headerBytes))
	}
	if err := conn.Mail(ctx, d.From, opts); err != nil {
		return err
	}
	if err := conn.Rcpt(ctx, d.Recipient); err != nil {
		return err
	}

	body, err := z.deps.Store.Open(ctx, d.ID)
	if err != nil {
		return storeError(d.ID, err)
	}
	defer body.Close()
	tap := message.NewMD5Tap(body)
	counter := message.NewByteCounter(tap)

	if conn.IsLMTP() {
		err = w.lmtpData(ctx, conn, d, counter)
	} else {
		err = conn.Data(ctx, wireHeader(d.Headers), counter)
	}
	if err != nil {
		return err
	}

	d.SentBodyHash = tap.SumHex()
	d.SentBodySize = counter.Count()
	d.MD5Match = d.SourceMD5 == "" || strings.EqualFold(d.SourceMD5, d.SentBodyHash)
	if !d.MD5Match {
		dlog.Msg("sent body does not match the ingress checksum",
			"expected", d.SourceMD5, "sent", d.SentBodyHash, "body_size", d.SentBodySize)
	}
	dlog.DebugMsg("body streamed", "body_size", d.SentBodySize, "elapsed", counter.Elapsed())
	return nil
}

// lmtpData sends the final dot and folds the per-recipient status
// lines into a single outcome. A single recipient is on the wire, so
// the first rejection is the delivery error.
func (w *worker) lmtpData(ctx context.Context, conn *sendConn, d *broker.Delivery, body io.Reader) error {
	var rcptErr error
	err := conn.LMTPData(ctx, wireHeader(d.Headers), body, func(rcpt string, status *smtp.SMTPError) {
		if status != nil && rcptErr == nil {
			rcptErr = &exterrors.SMTPError{
				Code:         status.Code,
				EnhancedCode: exterrors.EnhancedCode(status.EnhancedCode),
				Message:      status.Message,
				Err:          status,
				Misc: map[string]interface{}{
					"remote_server": conn.ServerName(),
				},
			}
		}
	})
	if err != nil {
		return err
	}
	return rcptErr
}

// signHeaders attaches the DKIM signatures the queue asked for, last
// descriptor outermost. A descriptor that cannot be signed is logged
// and skipped rather than failing the delivery: an unsigned message
// still beats a lost one.
func (z *Zone) signHeaders(ctx context.Context, d *broker.Delivery, dlog log.Logger) {
	if len(d.DKIM.Keys) == 0 {
		return
	}

	// One streamed body hash per algorithm, shared between descriptors
	// that did not bring a precomputed one.
	hashes := map[crypto.Hash][]byte{}

	for i := len(d.DKIM.Keys) - 1; i >= 0; i-- {
		key := d.DKIM.Keys[i]

		algo := crypto.SHA256
		switch strings.ToLower(key.HashAlgo) {
		case "", "sha256", "rsa-sha256":
		case "sha1", "rsa-sha1":
			algo = crypto.SHA1
		default:
			dlog.Msg("unknown DKIM hash algorithm, skipping signature",
				"algo", key.HashAlgo, "dkim_domain", key.Domain)
			continue
		}

		signer, err := z.dkimSigner(key)
		if err != nil {
			dlog.Error("DKIM signature skipped", err, "dkim_domain", key.Domain, "selector", key.Selector)
			continue
		}

		bodyHash, err := z.dkimBodyHash(ctx, d, key, algo, hashes)
		if err != nil {
			dlog.Error("DKIM signature skipped", err, "dkim_domain", key.Domain, "selector", key.Selector)
			continue
		}

		line, err := dkim.Sign(dkim.SignOptions{
			Domain:   key.Domain,
			Selector: key.Selector,
			Signer:   signer,
			HashAlgo: algo,
			BodyHash: bodyHash,
		}, d.Headers)
		if err != nil {
			dlog.Error("DKIM signature skipped", err, "dkim_domain", key.Domain, "selector", key.Selector)
			continue
		}
		d.Headers.AddFormatted(line)
	}
}

func (z *Zone) dkimSigner(key broker.DKIMKey) (crypto.Signer, error) {
	if key.PrivateKey != "" {
		return dkim.ParseKey([]byte(key.PrivateKey))
	}
	if z.deps.Keys == nil {
		return nil, fmt.Errorf("sender: no key directory configured for %s/%s", key.Domain, key.Selector)
	}
	signer, ok := z.deps.Keys.Get(key.Domain, key.Selector)
	if !ok {
		return nil, fmt.Errorf("sender: no key loaded for %s/%s", key.Domain, key.Selector)
	}
	return signer, nil
}

func (z *Zone) dkimBodyHash(ctx context.Context, d *broker.Delivery, key broker.DKIMKey, algo crypto.Hash, cache map[crypto.Hash][]byte) ([]byte, error) {
	if key.BodyHash != "" {
		return base64.StdEncoding.DecodeString(key.BodyHash)
	}
	if sum, ok := cache[algo]; ok {
		return sum, nil
	}

	body, err := z.deps.Store.Open(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var hasher *dkim.BodyHasher
	if algo == crypto.SHA1 {
		hasher = dkim.NewBodyHasherSHA1()
	} else {
		hasher = dkim.NewBodyHasher(sha256.New())
	}
	if _, err := io.Copy(hasher, body); err != nil {
		return nil, err
	}
	sum := hasher.Sum()
	cache[algo] = sum
	return sum, nil
}

// wireHeader repackages the canonical header block for the go-smtp
// DATA writer without reformatting: folds and field order must reach
// the wire byte-exact or the DKIM signatures break. Raw fields are
// written most recently added first, hence the reverse walk.
func wireHeader(hdrs message.Headers) textproto.Header {
	var h textproto.Header
	for i := len(hdrs) - 1; i >= 0; i-- {
		h.AddRaw([]byte(hdrs[i].Line + "\r\n"))
	}
	return h
}

// cloneHeaders makes a mutation-safe copy for one send attempt, so a
// replay over a fresh connection starts from the queued header block
// instead of stacking a second trace field and signature.
func cloneHeaders(h message.Headers) message.Headers {
	out := make(message.Headers, len(h))
	copy(out, h)
	return out
}

func storeError(id string, err error) error {
	if errors.Is(err, store.ErrNoSuchMessage) {
		return &deliveryErr{
			category:  "policy",
			response:  "554 5.6.0 Message body is missing from the store",
			code:      554,
			temporary: false,
			err:       err,
		}
	}
	return &deliveryErr{
		category:  "network",
		response:  "message store: " + err.Error(),
		temporary: true,
		err:       err,
	}
}
