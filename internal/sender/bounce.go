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
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailout/framework/address"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/classify"
	"github.com/foxcpp/mailout/internal/dsn"
	"github.com/google/uuid"
)

// receivedChainLimit is the Received count past which a message is
// assumed to be looping and gets no notification that could keep the
// loop alive.
const receivedChainLimit = 25

// suppressBounce reports whether d must not generate a non-delivery
// notification and why. The checks follow RFC 3834: anything that looks
// automatic stays silent, or two MTAs end up congratulating each other
// forever.
func suppressBounce(d *broker.Delivery) (reason string, ok bool) {
	if strings.HasPrefix(strings.ToLower(d.From), "mailer-daemon@") {
		return "sender is a mailer daemon", true
	}
	if d.SkipBounce {
		return "suppressed by plugin", true
	}
	if v := d.Headers.GetFirst("X-Auto-Response-Suppress"); strings.Contains(strings.ToLower(v), "all") {
		return "X-Auto-Response-Suppress requests silence", true
	}
	switch strings.ToLower(d.Headers.GetFirst("Auto-Submitted")) {
	case "auto-generated", "auto-replied":
		return "Auto-Submitted message", true
	}
	if ct := strings.ToLower(d.Headers.GetFirst("Content-Type")); strings.HasPrefix(ct, "multipart/report") {
		return "message is already a delivery report", true
	}
	if from := strings.ToLower(d.Headers.GetFirst("From")); strings.Contains(from, "mailer-daemon@") {
		return "From field names a mailer daemon", true
	}
	if len(d.Headers.GetAll("Received")) > receivedChainLimit {
		return "too many Received fields", true
	}
	return "", false
}

// bounce renders a failure DSN for a rejected delivery and submits it
// to the broker as a new null reverse-path envelope. Deliveries with an
// empty sender or matching a suppression rule are only counted.
func (z *Zone) bounce(ctx context.Context, d *broker.Delivery, res classify.Result, dlog log.Logger) {
	if d.From == "" {
		suppressedBounces.WithLabelValues(z.name, "null reverse-path").Inc()
		dlog.DebugMsg("no bounce for null reverse-path message")
		return
	}
	if reason, ok := suppressBounce(d); ok {
		suppressedBounces.WithLabelValues(z.name, reason).Inc()
		dlog.Msg("not sending a bounce", "reason", reason)
		return
	}

	report, err := z.renderDSN(d, dsn.ActionFailed, res)
	if err != nil {
		dlog.Error("failed to render DSN", err)
		return
	}

	if err := z.deps.Broker.Bounce(ctx, z.bounceCmd(d, res, report)); err != nil {
		z.fatal(err)
		return
	}
	bouncesTotal.WithLabelValues(z.name).Inc()
	dlog.Msg("bounce queued", "to", d.From, "category", res.Category)
}

// maybeDelayNotify emits a "still trying" DSN the first time a deferred
// delivery crosses the zone's delay notification threshold. Later
// deferrals past the threshold stay silent: the sender was told once.
func (z *Zone) maybeDelayNotify(ctx context.Context, d *broker.Delivery, res classify.Result, now time.Time, dlog log.Logger) {
	if z.cfg.DelayNotify <= 0 || d.Time == 0 || d.From == "" {
		return
	}
	queued := now.Sub(time.UnixMilli(d.Time))
	if queued < z.cfg.DelayNotify {
		return
	}
	if d.Deferred != nil && d.Deferred.Last > 0 {
		previous := time.UnixMilli(d.Deferred.Last).Sub(time.UnixMilli(d.Time))
		if previous >= z.cfg.DelayNotify {
			return
		}
	}
	if reason, ok := suppressBounce(d); ok {
		suppressedBounces.WithLabelValues(z.name, reason).Inc()
		dlog.DebugMsg("no delay notification", "reason", reason)
		return
	}

	report, err := z.renderDSN(d, dsn.ActionDelayed, res)
	if err != nil {
		dlog.Error("failed to render delayed DSN", err)
		return
	}

	cmd := z.bounceCmd(d, res, report)
	cmd.Category = "delay"
	if err := z.deps.Broker.Bounce(ctx, cmd); err != nil {
		z.fatal(err)
		return
	}
	dlog.Msg("delay notification queued", "to", d.From, "queued_for", queued)
}

func (z *Zone) bounceCmd(d *broker.Delivery, res classify.Result, report string) broker.Bounce {
	b := broker.Bounce{
		ID:          d.ID,
		SessionID:   d.SessionID,
		Zone:        z.name,
		Interface:   "bounce",
		From:        "",
		To:          d.From,
		Seq:         d.Seq,
		Headers:     d.Headers,
		MXHostname:  d.MXHostname,
		ReturnPath:  d.From,
		Category:    res.Category,
		Time:        time.Now().UnixMilli(),
		ArrivalDate: d.Time,
		Response:    res.Message,
		FBL:         d.Headers.GetFirst("X-Fbl"),
		Report:      report,
	}
	if d.LocalAddress != nil {
		b.Address = d.LocalAddress.String()
	}
	return b
}

// renderDSN builds the complete multipart/report message: header block
// plus the human part, the machine-readable delivery-status part and
// the original header copy.
func (z *Zone) renderDSN(d *broker.Delivery, action dsn.Action, res classify.Result) (string, error) {
	utf8 := !address.IsASCII(d.From) || !address.IsASCII(d.Recipient)

	envelope := dsn.Envelope{
		MsgID: "<" + uuid.New().String() + "@" + z.hostname + ">",
		From:  "MAILER-DAEMON@" + z.hostname,
		To:    d.From,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    z.hostname,
		ReceivedFromMTA: d.TransHost,
		XSender:         d.From,
		XQueueID:        d.ID,
		LastAttemptDate: time.Now(),
	}
	if d.Time > 0 {
		mtaInfo.ArrivalDate = time.UnixMilli(d.Time)
	}
	rcptInfo := []dsn.RecipientInfo{{
		FinalRecipient: d.Recipient,
		RemoteMTA:      d.MXHostname,
		Action:         action,
		Status:         enhancedStatus(res),
		DiagnosticCode: diagnosticCode(res),
	}}

	var body bytes.Buffer
	header, err := dsn.GenerateDSN(utf8, envelope, mtaInfo, rcptInfo, wireHeader(d.Headers), &body)
	if err != nil {
		return "", err
	}

	var msg bytes.Buffer
	if err := textproto.WriteHeader(&msg, header); err != nil {
		return "", err
	}
	if _, err := msg.Write(body.Bytes()); err != nil {
		return "", err
	}
	return msg.String(), nil
}

// enhancedStatus derives the x.y.z status for the DSN from the
// classification, falling back to a generic class-only code.
func enhancedStatus(res classify.Result) smtp.EnhancedCode {
	if res.Status != "" {
		var code smtp.EnhancedCode
		parts := strings.SplitN(res.Status, ".", 3)
		if len(parts) == 3 {
			for i, p := range parts {
				n := 0
				for _, r := range p {
					n = n*10 + int(r-'0')
				}
				code[i] = n
			}
			return code
		}
	}
	if res.Code >= 400 && res.Code < 600 {
		return smtp.EnhancedCode{res.Code / 100, 0, 0}
	}
	if res.Action == classify.ActionDefer {
		return smtp.EnhancedCode{4, 0, 0}
	}
	return smtp.EnhancedCode{5, 0, 0}
}

func diagnosticCode(res classify.Result) error {
	code := res.Code
	if code == 0 {
		if res.Action == classify.ActionDefer {
			code = 450
		} else {
			code = 550
		}
	}
	return &smtp.SMTPError{
		Code:         code,
		EnhancedCode: enhancedStatus(res),
		Message:      res.Message,
	}
}
