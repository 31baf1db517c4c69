/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

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

// Package kestrel ties the subsystems together: it loads the TOML
// configuration and assembles listeners, relay, queue, antispam and
// storage into a runnable server.
package kestrel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ListenerMode selects the protocol variant of one listener.
type ListenerMode string

const (
	// ModeSMTP is plain SMTP with optional STARTTLS (port 25).
	ModeSMTP ListenerMode = "smtp"
	// ModeSMTPS is implicit TLS (port 465).
	ModeSMTPS ListenerMode = "smtps"
)

// Config is the complete server configuration, one TOML file.
type Config struct {
	Hostname string `toml:"hostname"`
	// StateDir holds the relay queue and the fs message store.
	StateDir string `toml:"state_dir"`
	Debug    bool   `toml:"debug"`

	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Limits    LimitsConfig     `toml:"limits"`
	Auth      AuthConfig       `toml:"auth"`
	Store     StoreConfig      `toml:"store"`
	Filter    FilterConfig     `toml:"filter"`
	Redis     RedisConfig      `toml:"redis"`
	AntiSpam  AntiSpamConfig   `toml:"antispam"`
	Relay     RelayConfig      `toml:"relay"`
}

type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

type LimitsConfig struct {
	MaxConnections      int   `toml:"max_connections"`
	MaxConnectionsPerIP int   `toml:"max_connections_per_ip"`
	MaxMessageSize      int64 `toml:"max_message_size"`
	MaxRecipients       int   `toml:"max_recipients"`
	// Failed commands tolerated per session before 421.
	MaxRetryCount  int    `toml:"max_retry_count"`
	CommandTimeout string `toml:"command_timeout"`
	DataTimeout    string `toml:"data_timeout"`
}

type AuthConfig struct {
	// PassFile with user:bcrypt-hash lines. Empty disables AUTH.
	PassFile string `toml:"passfile"`
	// Require AUTH before MAIL FROM.
	Require bool `toml:"require"`
	// Permit AUTH over unencrypted connections.
	Insecure bool `toml:"insecure"`
}

type StoreConfig struct {
	// "fs" (default) or "memory".
	Type string `toml:"type"`
	Dir  string `toml:"dir"`
}

type FilterConfig struct {
	// Recipient domains accepted for delivery. Empty accepts all.
	AllowedRcptDomains []string `toml:"allowed_rcpt_domains"`
	// Sender domains refused at MAIL FROM.
	BlockedSenderDomains []string `toml:"blocked_sender_domains"`
}

type RedisConfig struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type AntiSpamConfig struct {
	Enable       bool   `toml:"enable"`
	CheckTimeout string `toml:"check_timeout"`

	Thresholds ThresholdsConfig `toml:"thresholds"`

	SPF      CheckerConfig       `toml:"spf"`
	DKIM     CheckerConfig       `toml:"dkim"`
	DMARC    CheckerConfig       `toml:"dmarc"`
	RBL      RBLConfig           `toml:"rbl"`
	Bayes    CheckerConfig       `toml:"bayes"`
	Greylist GreylistConfig      `toml:"greylist"`
	Content  []ContentRuleConfig `toml:"content"`
}

type ThresholdsConfig struct {
	Mark       int `toml:"mark"`
	Greylist   int `toml:"greylist"`
	Quarantine int `toml:"quarantine"`
	Reject     int `toml:"reject"`
}

type CheckerConfig struct {
	Enable bool    `toml:"enable"`
	Weight float64 `toml:"weight"`
}

type RBLConfig struct {
	Enable bool    `toml:"enable"`
	Weight float64 `toml:"weight"`
	// DNSBL zones, e.g. "zen.spamhaus.org".
	Zones []string `toml:"zones"`
}

type GreylistConfig struct {
	Enable       bool   `toml:"enable"`
	Delay        string `toml:"delay"`
	Lifetime     string `toml:"lifetime"`
	WhitelistTTL string `toml:"whitelist_ttl"`
}

type ContentRuleConfig struct {
	Keyword     string `toml:"keyword"`
	Regexp      string `toml:"regexp"`
	Score       int    `toml:"score"`
	SubjectOnly bool   `toml:"subject_only"`
}

type SmartHostConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Priority int    `toml:"priority"`
	Weight   int    `toml:"weight"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type RelayConfig struct {
	Enable bool `toml:"enable"`

	MaxConcurrentDeliveries int    `toml:"max_concurrent_deliveries"`
	MaxRetryCount           int    `toml:"max_retry_count"`
	MessageLifetime         string `toml:"message_lifetime"`
	ConnectionTimeout       string `toml:"connection_timeout"`

	UseMxRouting     bool                `toml:"use_mx_routing"`
	EnableTls        bool                `toml:"enable_tls"`
	RequireTls       bool                `toml:"require_tls"`
	DefaultSmartHost string              `toml:"default_smart_host"`
	SmartHosts       []SmartHostConfig   `toml:"smart_hosts"`
	DomainRouting    map[string][]string `toml:"domain_routing"`

	LocalDomains  []string `toml:"local_domains"`
	RelayDomains  []string `toml:"relay_domains"`
	RelayNetworks []string `toml:"relay_networks"`

	EnableBounce bool   `toml:"enable_bounce"`
	BounceSender string `toml:"bounce_sender"`

	// Upstream DNS servers (host or host:port) for MX resolution.
	// Empty uses the system resolver.
	Resolvers []string `toml:"resolvers"`
}

// Default returns the configuration used when an option is absent from
// the file.
func Default() Config {
	return Config{
		Hostname: "localhost",
		StateDir: "/var/lib/kestrel",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSMTP},
		},
		TLS: TLSConfig{MinVersion: "1.2"},
		Limits: LimitsConfig{
			MaxConnectionsPerIP: 10,
			MaxMessageSize:      26214400, // 25 MiB
			MaxRecipients:       100,
			MaxRetryCount:       3,
			CommandTimeout:      "30s",
			DataTimeout:         "10m",
		},
		Store: StoreConfig{Type: "fs"},
		Redis: RedisConfig{Address: "localhost:6379"},
		AntiSpam: AntiSpamConfig{
			CheckTimeout: "15s",
			Thresholds: ThresholdsConfig{
				Mark:       30,
				Greylist:   50,
				Quarantine: 70,
				Reject:     90,
			},
			SPF:   CheckerConfig{Enable: true, Weight: 1},
			DKIM:  CheckerConfig{Enable: true, Weight: 1},
			DMARC: CheckerConfig{Enable: true, Weight: 1},
			RBL:   RBLConfig{Weight: 1},
			Bayes: CheckerConfig{Weight: 1},
			Greylist: GreylistConfig{
				Delay:        "5m",
				Lifetime:     "4h",
				WhitelistTTL: "168h",
			},
		},
		Relay: RelayConfig{
			MaxConcurrentDeliveries: 16,
			MaxRetryCount:           10,
			MessageLifetime:         "72h",
			ConnectionTimeout:       "1m",
			UseMxRouting:            true,
			EnableTls:               true,
			EnableBounce:            true,
		},
	}
}

// Load reads the TOML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	blob, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := toml.Unmarshal(blob, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the assembly cannot act on.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		switch l.Mode {
		case ModeSMTP, ModeSMTPS, "":
		default:
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
		if l.Mode == ModeSMTPS && c.TLS.CertFile == "" {
			return fmt.Errorf("listener %d: smtps requires a certificate", i)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid tls min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	switch c.Store.Type {
	case "", "fs", "memory":
	default:
		return fmt.Errorf("invalid store type %q (valid: fs, memory)", c.Store.Type)
	}

	for _, key := range []struct {
		name  string
		value string
	}{
		{"limits.command_timeout", c.Limits.CommandTimeout},
		{"limits.data_timeout", c.Limits.DataTimeout},
		{"antispam.check_timeout", c.AntiSpam.CheckTimeout},
		{"antispam.greylist.delay", c.AntiSpam.Greylist.Delay},
		{"antispam.greylist.lifetime", c.AntiSpam.Greylist.Lifetime},
		{"antispam.greylist.whitelist_ttl", c.AntiSpam.Greylist.WhitelistTTL},
		{"relay.message_lifetime", c.Relay.MessageLifetime},
		{"relay.connection_timeout", c.Relay.ConnectionTimeout},
	} {
		if key.value == "" {
			continue
		}
		if _, err := time.ParseDuration(key.value); err != nil {
			return fmt.Errorf("invalid %s: %w", key.name, err)
		}
	}

	for _, cidr := range c.Relay.RelayNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid relay.relay_networks entry %q: %w", cidr, err)
		}
	}

	if needsRedis(c) && c.Redis.Address == "" {
		return errors.New("redis.address is required for greylist/bayes checkers")
	}

	return nil
}

func needsRedis(c *Config) bool {
	return c.AntiSpam.Enable && (c.AntiSpam.Greylist.Enable || c.AntiSpam.Bayes.Enable)
}

// MinTLSVersion maps the configured version string onto the crypto/tls
// constant, defaulting to TLS 1.2.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// duration parses a validated duration option, falling back when unset.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
