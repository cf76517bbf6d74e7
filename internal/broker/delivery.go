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

package broker

import (
	"net"

	"github.com/foxcpp/mailout/internal/message"
)

// Delivery is one queued message-recipient pair leased from the broker.
//
// The JSON field names are the broker wire format and must not change.
// Fields tagged "-" are attempt state filled in by the sending worker;
// the broker never sees them.
type Delivery struct {
	ID        string          `json:"id"`
	Seq       string          `json:"seq"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"from"`
	Recipient string          `json:"recipient"`
	Domain    string          `json:"domain,omitempty"`
	Headers   message.Headers `json:"headers,omitempty"`
	BodySize  int64           `json:"bodySize,omitempty"`
	SourceMD5 string          `json:"sourceMd5,omitempty"`

	DNSOptions DNSOptions `json:"dnsOptions,omitempty"`

	// Smarthost override attached by the queue: skip MX resolution and
	// deliver to this host instead.
	MX       string  `json:"mx,omitempty"`
	MXPort   int     `json:"mxPort,omitempty"`
	MXAuth   *MXAuth `json:"mxAuth,omitempty"`
	UseLMTP  bool    `json:"useLMTP,omitempty"`
	MXSecure bool    `json:"mxSecure,omitempty"`

	// Source pool addresses the queue forbids for this delivery.
	DisabledAddresses []string `json:"disabledAddresses,omitempty"`

	DKIM DKIM `json:"dkim,omitempty"`

	// Per-message defer schedule override, milliseconds.
	DeferTimes []int64 `json:"deferTimes,omitempty"`

	Deferred *Deferred `json:"_deferred,omitempty"`
	Lock     string    `json:"_lock,omitempty"`

	// HTTP sink: POST the message to TargetURL instead of SMTP delivery.
	HTTP      bool   `json:"http,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`

	// Origin trace recorded at ingress, used for the Received header
	// and DSN generation.
	Origin     string `json:"origin,omitempty"`
	OriginHost string `json:"originhost,omitempty"`
	TransHost  string `json:"transhost,omitempty"`
	TransType  string `json:"transtype,omitempty"`
	Time       int64  `json:"time,omitempty"` // ms since epoch
	Interface  string `json:"interface,omitempty"`

	// Attempt state, not serialized.
	LocalAddress  net.IP `json:"-"`
	LocalHostname string `json:"-"`
	LocalPort     int    `json:"-"`
	MXHostname    string `json:"-"`
	Status        string `json:"-"`
	SentBodyHash  string `json:"-"`
	SentBodySize  int64  `json:"-"`
	MD5Match      bool   `json:"-"`
	PoolDisabled  bool   `json:"-"`
	SkipBounce    bool   `json:"-"`
}

// DNSOptions are the per-delivery resolver knobs recorded at ingress.
type DNSOptions struct {
	PreferIPv6          bool     `json:"preferIPv6,omitempty"`
	IgnoreIPv6          bool     `json:"ignoreIPv6,omitempty"`
	BlockLocalAddresses bool     `json:"blockLocalAddresses,omitempty"`
	BlockDomains        []string `json:"blockDomains,omitempty"`
}

// MXAuth is the smarthost AUTH PLAIN credential pair.
type MXAuth struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// DKIM lists the signatures to attach before transmission.
type DKIM struct {
	Keys []DKIMKey `json:"keys,omitempty"`
}

// DKIMKey describes one signature. PrivateKey is PEM text; when empty
// the engine falls back to its key directory. BodyHash, when present,
// is the precomputed base64 relaxed-body digest matching HashAlgo.
type DKIMKey struct {
	Domain     string `json:"domain"`
	Selector   string `json:"selector"`
	PrivateKey string `json:"privateKey,omitempty"`
	HashAlgo   string `json:"hashAlgo,omitempty"`
	BodyHash   string `json:"bodyHash,omitempty"`
}

// Deferred is the retry bookkeeping the broker keeps per delivery.
// Timestamps are milliseconds since epoch.
type Deferred struct {
	Count int   `json:"count"`
	First int64 `json:"first,omitempty"`
	Last  int64 `json:"last,omitempty"`
	Next  int64 `json:"next,omitempty"`
}

// Release acknowledges a finished delivery: accepted by the next hop or
// rejected for good. Status is the humanized outcome line kept in the
// broker's log.
type Release struct {
	ID        string `json:"id"`
	Domain    string `json:"domain,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Seq       string `json:"seq"`
	Status    string `json:"status"`
	Address   string `json:"address,omitempty"`
	Lock      string `json:"_lock,omitempty"`
}

// Defer requeues a delivery for a later attempt. TTL is milliseconds
// until the next attempt; Updates carries the new _deferred counters.
type Defer struct {
	ID       string       `json:"id"`
	Seq      string       `json:"seq"`
	Lock     string       `json:"_lock,omitempty"`
	TTL      int64        `json:"ttl"`
	Response string       `json:"response,omitempty"`
	Address  string       `json:"address,omitempty"`
	Category string       `json:"category,omitempty"`
	Updates  DeferUpdates `json:"updates"`
	Log      []string     `json:"log,omitempty"`
}

// DeferUpdates is the persisted part of a DEFER.
type DeferUpdates struct {
	Deferred Deferred `json:"_deferred"`
}

// Bounce submits a delivery status notification for queueing. From is
// empty (null return path), To is the original envelope sender. Report
// is the rendered multipart/report message the broker stores as the
// body of the queued notification.
type Bounce struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId,omitempty"`
	Zone        string          `json:"zone,omitempty"`
	Interface   string          `json:"interface"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Seq         string          `json:"seq,omitempty"`
	Headers     message.Headers `json:"headers,omitempty"`
	Address     string          `json:"address,omitempty"`
	Name        string          `json:"name,omitempty"`
	MXHostname  string          `json:"mxHostname,omitempty"`
	ReturnPath  string          `json:"returnPath,omitempty"`
	Category    string          `json:"category,omitempty"`
	Time        int64           `json:"time,omitempty"`
	ArrivalDate int64           `json:"arrivalDate,omitempty"`
	Response    string          `json:"response,omitempty"`
	FBL         string          `json:"fbl,omitempty"`
	Report      string          `json:"report,omitempty"`
}
