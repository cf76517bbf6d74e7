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

// Package config loads and validates the mailout YAML configuration.
//
// Load merges the file over DefaultConfig, so only the keys present in
// the file need to be set. Per-zone defaults are applied after the
// merge because map elements do not inherit struct defaults.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	// Hostname identifies this instance in Received headers and DSNs.
	Hostname string `koanf:"hostname"`

	Broker BrokerConfig `koanf:"broker"`
	Store  StoreConfig  `koanf:"store"`
	DNS    DNSConfig    `koanf:"dns"`
	DKIM   DKIMConfig   `koanf:"dkim"`
	Bounce BounceConfig `koanf:"bounce"`
	Log    LogConfig    `koanf:"log"`
	Debug  DebugConfig  `koanf:"debug"`

	// Pools are named source-IP pools referenced by zones. Each entry
	// binds one local address to the EHLO hostname presented from it.
	Pools map[string][]PoolEntry `koanf:"pools"`

	Zones map[string]Zone `koanf:"zones"`
}

type BrokerConfig struct {
	// Address of the queue broker, tcp://host:port or unix://path.
	Address string `koanf:"address"`
}

type StoreConfig struct {
	Driver string  `koanf:"driver"` // fs or s3
	FS     FSStore `koanf:"fs"`
	S3     S3Store `koanf:"s3"`
}

type FSStore struct {
	Root string `koanf:"root"`
}

type S3Store struct {
	Endpoint     string `koanf:"endpoint"`
	Secure       bool   `koanf:"secure"`
	Bucket       string `koanf:"bucket"`
	ObjectPrefix string `koanf:"object_prefix"`
	Region       string `koanf:"region"`
	CredsType    string `koanf:"creds"`
	AccessKey    string `koanf:"access_key"`
	SecretKey    string `koanf:"secret_key"`
}

type DNSConfig struct {
	// Server overrides the system resolver, host or host:port.
	Server string `koanf:"server"`
	// Cache is the Redis URL for the shared MX cache. Empty disables
	// caching.
	Cache string `koanf:"cache"`
}

type DKIMConfig struct {
	// KeyDir holds <domain>.<selector>.pem private keys used when a
	// delivery requests a signature without inlining the key.
	KeyDir string `koanf:"key_dir"`
}

type BounceConfig struct {
	// Rules is the path of the response classification rules file.
	// Empty means built-in rules only.
	Rules string `koanf:"rules"`
}

type LogConfig struct {
	Debug bool `koanf:"debug"`
	// Output is stderr, stderr_ts or a file path.
	Output string `koanf:"output"`
}

type DebugConfig struct {
	// MetricsListen enables the Prometheus endpoint on this address.
	MetricsListen string `koanf:"metrics_listen"`
}

type PoolEntry struct {
	Address  string `koanf:"address"`
	Hostname string `koanf:"hostname"`
}

// Zone is one delivery partition. Name is the zones map key.
type Zone struct {
	Name string `koanf:"-"`

	Pool        string `koanf:"pool"`
	Connections int    `koanf:"connections"`
	Processes   int    `koanf:"processes"`

	// Throttling is "N messages/second|minute|hour", empty for
	// unlimited. Rate is its parsed form, filled by Validate.
	Throttling string `koanf:"throttling"`
	Rate       Rate   `koanf:"-"`

	// Resolver knobs used when a delivery carries no dnsOptions of
	// its own.
	PreferIPv6          bool     `koanf:"prefer_ipv6"`
	IgnoreIPv6          bool     `koanf:"ignore_ipv6"`
	BlockLocalAddresses bool     `koanf:"block_local_addresses"`
	BlockDomains        []string `koanf:"block_domains"`

	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	GreetingTimeout time.Duration `koanf:"greeting_timeout"`

	// ReuseConnections caps the transactions sent over one cached
	// connection, PoolIdleTimeout the time an idle connection stays
	// cached.
	ReuseConnections int           `koanf:"reuse_connections"`
	PoolIdleTimeout  time.Duration `koanf:"pool_idle_timeout"`

	// Smarthost override: deliver everything in this zone to
	// RelayHost instead of resolving MX records.
	RelayHost string     `koanf:"relay_host"`
	RelayPort int        `koanf:"relay_port"`
	RelayAuth *RelayAuth `koanf:"relay_auth"`

	// DomainConnections caps concurrent deliveries per recipient
	// domain. The "default" key applies to unlisted domains.
	DomainConnections map[string]int `koanf:"domain_connections"`

	// DelayNotify enables delayed-delivery DSNs once a message stays
	// queued longer than this.
	DelayNotify time.Duration `koanf:"delay_notify"`
}

type RelayAuth struct {
	User string `koanf:"user"`
	Pass string `koanf:"pass"`
}

func DefaultConfig() *Config {
	return &Config{
		Hostname: "localhost",
		Broker: BrokerConfig{
			Address: "tcp://127.0.0.1:2500",
		},
		Store: StoreConfig{
			Driver: "fs",
			FS: FSStore{
				Root: "/var/spool/mailout",
			},
		},
		Log: LogConfig{
			Output: "stderr",
		},
	}
}

// Load reads the YAML file at path and merges it over DefaultConfig.
// The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: cannot load %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %s: %w", path, err)
	}

	cfg.applyZoneDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyZoneDefaults() {
	for name, z := range c.Zones {
		z.Name = name
		if z.Connections == 0 {
			z.Connections = 5
		}
		if z.Processes == 0 {
			z.Processes = 1
		}
		if z.ReuseConnections == 0 {
			z.ReuseConnections = 100
		}
		if z.PoolIdleTimeout == 0 {
			z.PoolIdleTimeout = 5 * time.Second
		}
		if z.ConnectTimeout == 0 {
			z.ConnectTimeout = 5 * time.Minute
		}
		if z.GreetingTimeout == 0 {
			z.GreetingTimeout = 2 * time.Minute
		}
		if z.RelayHost != "" && z.RelayPort == 0 {
			z.RelayPort = 25
		}
		c.Zones[name] = z
	}
}

// Validate checks the configuration for consistency and parses the
// throttling directives into Zone.Rate.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("config: hostname is required")
	}
	if _, err := ParseEndpoint(c.Broker.Address); err != nil {
		return fmt.Errorf("config: broker.address: %w", err)
	}

	switch c.Store.Driver {
	case "fs":
		if c.Store.FS.Root == "" {
			return fmt.Errorf("config: store.fs.root is required")
		}
	case "s3":
		if c.Store.S3.Endpoint == "" {
			return fmt.Errorf("config: store.s3.endpoint is required")
		}
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("config: store.s3.bucket is required")
		}
	default:
		return fmt.Errorf("config: unknown store.driver: %q", c.Store.Driver)
	}

	for name, pool := range c.Pools {
		if len(pool) == 0 {
			return fmt.Errorf("config: pool %s is empty", name)
		}
		for i, entry := range pool {
			if net.ParseIP(entry.Address) == nil {
				return fmt.Errorf("config: pool %s: entry %d: malformed address %q", name, i, entry.Address)
			}
			if entry.Hostname == "" {
				return fmt.Errorf("config: pool %s: entry %d: hostname is required", name, i)
			}
		}
	}

	if len(c.Zones) == 0 {
		return fmt.Errorf("config: at least one zone is required")
	}
	for name, z := range c.Zones {
		pool, ok := c.Pools[z.Pool]
		if !ok {
			return fmt.Errorf("config: zone %s: unknown pool %q", name, z.Pool)
		}

		// Deliveries to IPv4-only exchanges need an IPv4 source, so a
		// pool without one cannot serve a zone. IPv6 sources are
		// needed only when the zone asks to use them first.
		var v4, v6 int
		for _, entry := range pool {
			if ip := net.ParseIP(entry.Address); ip.To4() != nil {
				v4++
			} else {
				v6++
			}
		}
		if v4 == 0 {
			return fmt.Errorf("config: zone %s: pool %s has no IPv4 addresses", name, z.Pool)
		}
		if z.PreferIPv6 && v6 == 0 {
			return fmt.Errorf("config: zone %s: prefer_ipv6 is set but pool %s has no IPv6 addresses", name, z.Pool)
		}

		rate, err := ParseRate(z.Throttling)
		if err != nil {
			return fmt.Errorf("config: zone %s: %w", name, err)
		}
		z.Rate = rate

		if z.Connections < 1 {
			return fmt.Errorf("config: zone %s: connections must be positive", name)
		}
		if z.Processes < 1 {
			return fmt.Errorf("config: zone %s: processes must be positive", name)
		}
		if z.ReuseConnections < 1 {
			return fmt.Errorf("config: zone %s: reuse_connections must be positive", name)
		}
		if z.RelayPort < 0 || z.RelayPort > 65535 {
			return fmt.Errorf("config: zone %s: relay_port out of range: %d", name, z.RelayPort)
		}
		if z.RelayHost == "" && (z.RelayPort != 0 || z.RelayAuth != nil) {
			return fmt.Errorf("config: zone %s: relay_port and relay_auth require relay_host", name)
		}
		for domain, limit := range z.DomainConnections {
			if limit < 1 {
				return fmt.Errorf("config: zone %s: domain_connections[%s] must be positive", name, domain)
			}
		}

		c.Zones[name] = z
	}

	return nil
}
