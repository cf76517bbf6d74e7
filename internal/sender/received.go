package sender

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/foxcpp/mailout/internal/broker"
)

// formatReceived renders the trace field prepended to every outgoing
// message:
//
//	Received: from <transhost> (<originhost> [<origin>]) by <localHostname>
//	  ([<localIP>]) with <proto>[ via TLS (<version>)] id <id>.<seq>
//	  for <<recipient>>; <date>
//
// as a single unfolded line. proto is the transtype recorded at ingress
// (ESMTP unless said otherwise) with the usual S/A suffixes for the
// outbound TLS and AUTH state.
func formatReceived(d *broker.Delivery, conn *sendConn, hostname string, now time.Time) string {
	transHost := d.TransHost
	if transHost == "" {
		transHost = d.OriginHost
	}
	if transHost == "" {
		transHost = "unknown"
	}
	originHost := d.OriginHost
	if originHost == "" {
		originHost = "unknown"
	}
	localHost := d.LocalHostname
	if localHost == "" {
		localHost = hostname
	}

	proto := d.TransType
	if proto == "" {
		proto = "ESMTP"
	}
	var tlsVersion string
	if conn != nil {
		if state, ok := conn.TLSState(); ok {
			proto += "S"
			tlsVersion = tls.VersionName(state.Version)
		}
		if conn.authed {
			proto += "A"
		}
	}

	var b strings.Builder
	b.WriteString("from ")
	b.WriteString(transHost)
	if d.Origin != "" {
		b.WriteString(" (")
		b.WriteString(originHost)
		b.WriteString(" [")
		b.WriteString(d.Origin)
		b.WriteString("])")
	}
	b.WriteString(" by ")
	b.WriteString(localHost)
	if d.LocalAddress != nil {
		b.WriteString(" ([")
		b.WriteString(d.LocalAddress.String())
		b.WriteString("])")
	}
	b.WriteString(" with ")
	b.WriteString(proto)
	if tlsVersion != "" {
		b.WriteString(" via TLS (")
		b.WriteString(tlsVersion)
		b.WriteString(")")
	}
	b.WriteString(" id ")
	b.WriteString(d.ID)
	b.WriteString(".")
	b.WriteString(d.Seq)
	b.WriteString(" for <")
	b.WriteString(d.Recipient)
	b.WriteString(">; ")
	b.WriteString(now.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	return b.String()
}
