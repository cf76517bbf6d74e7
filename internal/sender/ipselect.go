package sender

import (
	"hash/fnv"
	"net"

	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/config"
)

// selectSource picks the source address and its EHLO name for one
// delivery from the zone pool, excluding the addresses the queue
// disabled for it. The pick is stable per (delivery, zone) so retries
// do not hop between source IPs, but spreads the flow across the pool.
//
// ok is false when no pool entry of the wanted family survives the
// filter; the family's unspecified address is returned then and the
// caller is expected to mark the delivery poolDisabled.
func selectSource(entries []config.PoolEntry, d *broker.Delivery, zoneSalt string, v6 bool) (ip net.IP, ehloName string, ok bool) {
	var filtered []config.PoolEntry
	for _, entry := range entries {
		addr := net.ParseIP(entry.Address)
		if addr == nil || (addr.To4() == nil) != v6 {
			continue
		}
		if addressDisabled(d.DisabledAddresses, entry.Address) {
			continue
		}
		filtered = append(filtered, entry)
	}

	if len(filtered) == 0 {
		if v6 {
			return net.IPv6unspecified, "", false
		}
		return net.IPv4zero, "", false
	}

	h := fnv.New32a()
	h.Write([]byte(d.ID))
	h.Write([]byte(zoneSalt))
	picked := filtered[int(h.Sum32())%len(filtered)]
	return net.ParseIP(picked.Address), picked.Hostname, true
}

func addressDisabled(disabled []string, addr string) bool {
	ip := net.ParseIP(addr)
	for _, entry := range disabled {
		if entry == addr {
			return true
		}
		// "::1" and "0:0:0:0:0:0:0:1" are the same address.
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}
