package exterrors

import (
	"errors"
	"net"
)

// UnwrapDNSErr extracts the resolver failure reason from err for use as
// the Reason field of SMTPError. The returned map is never nil so the
// caller can extend it with its own fields.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", map[string]interface{}{}
	}

	// Neither the server name nor the DNS name add anything useful for
	// the log, the caller records the queried domain itself.
	return dnsErr.Err, map[string]interface{}{}
}
