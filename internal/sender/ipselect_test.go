package sender

import (
	"net"
	"strconv"
	"testing"

	"github.com/foxcpp/mailout/internal/broker"
	"github.com/foxcpp/mailout/internal/config"
)

func TestSelectSource(t *testing.T) {
	pool := []config.PoolEntry{
		{Address: "192.0.2.10", Hostname: "out1.example.org"},
		{Address: "192.0.2.11", Hostname: "out2.example.org"},
		{Address: "2001:db8::10", Hostname: "out1.example.org"},
	}

	t.Run("empty pool", func(t *testing.T) {
		ip, name, ok := selectSource(nil, &broker.Delivery{ID: "m1"}, "default", false)
		if ok || name != "" || !ip.Equal(net.IPv4zero) {
			t.Errorf("Expected the unspecified address, got %v %q %v", ip, name, ok)
		}
		ip, _, ok = selectSource(nil, &broker.Delivery{ID: "m1"}, "default", true)
		if ok || !ip.Equal(net.IPv6unspecified) {
			t.Errorf("Expected the v6 unspecified address, got %v %v", ip, ok)
		}
	})

	t.Run("family filter", func(t *testing.T) {
		ip, _, ok := selectSource(pool, &broker.Delivery{ID: "m1"}, "default", true)
		if !ok || !ip.Equal(net.ParseIP("2001:db8::10")) {
			t.Errorf("Expected the only v6 entry, got %v %v", ip, ok)
		}
		ip, _, ok = selectSource(pool, &broker.Delivery{ID: "m1"}, "default", false)
		if !ok || ip.To4() == nil {
			t.Errorf("Expected a v4 entry, got %v %v", ip, ok)
		}
	})

	t.Run("stable per delivery", func(t *testing.T) {
		first, name, ok := selectSource(pool, &broker.Delivery{ID: "m1"}, "default", false)
		if !ok || name == "" {
			t.Fatalf("No pick: %v %q %v", first, name, ok)
		}
		for i := 0; i < 10; i++ {
			ip, _, _ := selectSource(pool, &broker.Delivery{ID: "m1"}, "default", false)
			if !ip.Equal(first) {
				t.Fatalf("Pick changed between calls: %v then %v", first, ip)
			}
		}
	})

	t.Run("spreads across pool", func(t *testing.T) {
		seen := map[string]struct{}{}
		for i := 0; i < 64; i++ {
			ip, _, _ := selectSource(pool, &broker.Delivery{ID: "m" + strconv.Itoa(i)}, "default", false)
			seen[ip.String()] = struct{}{}
		}
		if len(seen) != 2 {
			t.Errorf("Expected both v4 entries to be used, got %v", seen)
		}
	})

	t.Run("disabled addresses", func(t *testing.T) {
		d := &broker.Delivery{ID: "m1", DisabledAddresses: []string{"192.0.2.10"}}
		ip, name, ok := selectSource(pool, d, "default", false)
		if !ok || !ip.Equal(net.ParseIP("192.0.2.11")) || name != "out2.example.org" {
			t.Errorf("Expected the remaining entry, got %v %q %v", ip, name, ok)
		}

		d.DisabledAddresses = []string{"192.0.2.10", "192.0.2.11"}
		ip, _, ok = selectSource(pool, d, "default", false)
		if ok || !ip.Equal(net.IPv4zero) {
			t.Errorf("Expected no pick with everything excluded, got %v %v", ip, ok)
		}
	})
}

func TestAddressDisabled(t *testing.T) {
	disabled := []string{"192.0.2.10", "0:0:0:0:0:0:0:1"}
	for _, tc := range []struct {
		addr string
		want bool
	}{
		{"192.0.2.10", true},
		{"192.0.2.11", false},
		// Alternate spellings of the same address still match.
		{"::1", true},
		{"2001:db8::10", false},
	} {
		if got := addressDisabled(disabled, tc.addr); got != tc.want {
			t.Errorf("addressDisabled(%q): expected %v, got %v", tc.addr, tc.want, got)
		}
	}
}
